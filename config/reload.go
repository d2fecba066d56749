package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback 在新配置生效后调用。返回错误会回滚到旧配置。
type ReloadCallback func(oldConfig, newConfig *Config) error

// Reloader 轮询配置文件的修改时间，变化后重新加载、校验并通知回调。
// 只有部分字段可以热更新（见 HotReloadable），其它字段的变化会被记录为需要重启。
type Reloader struct {
	mu        sync.RWMutex
	path      string
	loader    *Loader
	current   *Config
	modTime   time.Time
	interval  time.Duration
	callbacks []ReloadCallback
	logger    *zap.Logger
}

// hotReloadable 可在运行时生效的配置段
var hotReloadable = map[string]bool{
	"Stream":    true,
	"Log.Level": true,
}

// HotReloadable reports whether a change to the given field path takes effect
// without a restart. Paths use Go field names, e.g. "Stream" or "Log.Level".
func HotReloadable(path string) bool { return hotReloadable[path] }

// NewReloader 创建 Reloader。loader 为 nil 时使用默认 Loader。
func NewReloader(path string, current *Config, loader *Loader, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = NewLoader()
	}
	r := &Reloader{
		path:     path,
		loader:   loader.WithConfigPath(path),
		current:  current,
		interval: time.Second,
		logger:   logger.With(zap.String("component", "config_reloader")),
	}
	if info, err := os.Stat(path); err == nil {
		r.modTime = info.ModTime()
	}
	return r
}

// WithInterval 修改轮询间隔
func (r *Reloader) WithInterval(d time.Duration) *Reloader {
	if d > 0 {
		r.interval = d
	}
	return r
}

// OnReload 注册回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current 返回当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Run 阻塞轮询直到 ctx 结束
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("config reloader started",
		zap.String("path", r.path),
		zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.changed() {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("failed to reload configuration, keeping current", zap.Error(err))
			}
		}
	}
}

func (r *Reloader) changed() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !info.ModTime().After(r.modTime) {
		return false
	}
	r.modTime = info.ModTime()
	return true
}

// Reload 立即从文件重新加载。校验失败或回调失败时保持旧配置。
func (r *Reloader) Reload() error {
	next, err := r.loader.Load()
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	r.mu.Lock()
	prev := r.current
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.current = next
	r.mu.Unlock()

	changes := Diff(prev, next)
	for _, path := range changes {
		r.logger.Info("configuration changed",
			zap.String("path", path),
			zap.Bool("requires_restart", !HotReloadable(path)))
	}

	if err := notify(callbacks, prev, next); err != nil {
		r.mu.Lock()
		if r.current == next {
			r.current = prev
		}
		r.mu.Unlock()
		r.logger.Error("reload callback failed, rolled back", zap.Error(err))
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	r.logger.Info("configuration reloaded", zap.Int("changes", len(changes)))
	return nil
}

// notify 捕获回调 panic
func notify(callbacks []ReloadCallback, prev, next *Config) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback panicked: %v", p)
		}
	}()
	for _, cb := range callbacks {
		if err := cb(prev, next); err != nil {
			return err
		}
	}
	return nil
}

// Diff 返回两份配置之间变化的字段路径。
// Stream 段整体比较，其余按叶子字段列出。
func Diff(a, b *Config) []string {
	if a == nil || b == nil {
		return nil
	}
	var out []string
	diffStruct("", reflect.ValueOf(*a), reflect.ValueOf(*b), &out)
	return out
}

func diffStruct(prefix string, a, b reflect.Value, out *[]string) {
	t := a.Type()
	for i := 0; i < a.NumField(); i++ {
		name := t.Field(i).Name
		if prefix != "" {
			name = prefix + "." + name
		}
		fa, fb := a.Field(i), b.Field(i)
		if fa.Kind() == reflect.Struct && !hotReloadable[name] {
			diffStruct(name, fa, fb, out)
			continue
		}
		if !reflect.DeepEqual(fa.Interface(), fb.Interface()) {
			*out = append(*out, name)
		}
	}
}
