// =============================================================================
// 📦 Arena 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("ARENA").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/arena/arena/stream"
	"github.com/BaSui01/arena/llm/circuitbreaker"
	"github.com/BaSui01/arena/llm/retry"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 Arena 服务的完整配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Storage   StorageConfig   `yaml:"storage" env:"STORAGE"`
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Stream 分支驱动参数，支持热更新
	Stream stream.Config `yaml:"stream" env:"STREAM"`

	Attachments AttachmentConfig `yaml:"attachments" env:"ATTACHMENTS"`
	Resilience  ResilienceConfig `yaml:"resilience" env:"RESILIENCE"`
	ErrorLog    ErrorLogConfig   `yaml:"error_log" env:"ERROR_LOG"`
	Log         LogConfig        `yaml:"log" env:"LOG"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
}

// ResilienceConfig 厂商调用的重试与熔断
type ResilienceConfig struct {
	// 只重试流建立阶段，流开始后的错误不重试
	Retry retry.Policy `yaml:"retry" env:"RETRY"`
	// Threshold 为 0 表示关闭熔断
	Breaker circuitbreaker.Config `yaml:"breaker" env:"BREAKER"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时，流式响应可能持续数分钟，0 表示不限
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每 IP 限流
	RateLimitRPS   int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORS 白名单，空表示不处理跨域
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 单个请求体上限
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// RedisConfig Redis 配置，Addr 为空时不启用共享缓存
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DefaultTTL   time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 下为文件路径
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 连接池
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时是否执行 AutoMigrate（生产环境建议用 migrate 子命令）
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// StorageConfig S3 兼容对象存储，Bucket 为空时附件与 TTS 音频不可用
type StorageConfig struct {
	Bucket          string        `yaml:"bucket" env:"BUCKET"`
	Region          string        `yaml:"region" env:"REGION"`
	Endpoint        string        `yaml:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string        `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string        `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	UsePathStyle    bool          `yaml:"use_path_style" env:"USE_PATH_STYLE"`
	PresignTTL      time.Duration `yaml:"presign_ttl" env:"PRESIGN_TTL"`
	MaxObjectBytes  int64         `yaml:"max_object_bytes" env:"MAX_OBJECT_BYTES"`
}

// VendorConfig 单个厂商的接入参数。APIKey 为空视为未启用。
// Prefixes 是路由到该厂商的模型 code 前缀。
type VendorConfig struct {
	APIKey   string        `yaml:"api_key" env:"API_KEY"`
	BaseURL  string        `yaml:"base_url" env:"BASE_URL"`
	Prefixes []string      `yaml:"prefixes" env:"PREFIXES"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Model TTS/ASR 厂商的默认模型
	Model string `yaml:"model" env:"MODEL"`
	// Voice TTS 音色（OpenAI voice / ElevenLabs voice_id）
	Voice string `yaml:"voice" env:"VOICE"`
	// Host 仅 llama：together / fireworks / openrouter
	Host string `yaml:"host" env:"HOST"`
}

// Enabled 是否配置了凭据
func (v VendorConfig) Enabled() bool { return strings.TrimSpace(v.APIKey) != "" }

// ProvidersConfig 各模型厂商配置
type ProvidersConfig struct {
	OpenAI    VendorConfig `yaml:"openai" env:"OPENAI"`
	Anthropic VendorConfig `yaml:"anthropic" env:"ANTHROPIC"`
	Gemini    VendorConfig `yaml:"gemini" env:"GEMINI"`
	DeepSeek  VendorConfig `yaml:"deepseek" env:"DEEPSEEK"`
	Mistral   VendorConfig `yaml:"mistral" env:"MISTRAL"`
	Llama     VendorConfig `yaml:"llama" env:"LLAMA"`

	// 语音
	OpenAISTT  VendorConfig `yaml:"openai_stt" env:"OPENAI_STT"`
	Deepgram   VendorConfig `yaml:"deepgram" env:"DEEPGRAM"`
	OpenAITTS  VendorConfig `yaml:"openai_tts" env:"OPENAI_TTS"`
	ElevenLabs VendorConfig `yaml:"elevenlabs" env:"ELEVENLABS"`
}

// AttachmentConfig 附件解析配置
type AttachmentConfig struct {
	// 文档抽取后保留的最大字符数
	MaxDocumentRunes int `yaml:"max_document_runes" env:"MAX_DOCUMENT_RUNES"`
	// 对话会话里音频附件使用的 ASR 模型 code
	TranscribeModel string `yaml:"transcribe_model" env:"TRANSCRIBE_MODEL"`
	// Redis 共享缓存 key 前缀与过期时间
	CachePrefix string        `yaml:"cache_prefix" env:"CACHE_PREFIX"`
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// ErrorLogConfig 厂商错误日志配置
type ErrorLogConfig struct {
	// 异步队列长度，满了直接丢弃
	Buffer int `yaml:"buffer" env:"BUFFER"`
	// 是否写入数据库（否则只写日志）
	Persist bool `yaml:"persist" env:"PERSIST"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "ARENA",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保持默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，key 为 PREFIX_SECTION_FIELD
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 按字段类型解析字符串
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}

	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	if c.Stream.FlushEvery < 0 {
		errs = append(errs, "stream.flush_every must not be negative")
	}
	if c.Stream.Temperature < 0 || c.Stream.Temperature > 2 {
		errs = append(errs, "stream.temperature must be between 0 and 2")
	}
	if c.Stream.TurnTimeout < 0 || c.Stream.PersistTimeout < 0 {
		errs = append(errs, "stream timeouts must not be negative")
	}

	if c.Resilience.Retry.MaxRetries < 0 {
		errs = append(errs, "resilience.retry.max_retries must not be negative")
	}
	if c.Resilience.Breaker.Threshold < 0 {
		errs = append(errs, "resilience.breaker.threshold must not be negative")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
