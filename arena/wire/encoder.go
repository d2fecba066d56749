// Package wire 把 Frame 编码为行协议：
//
//	{participant}{kind}:{payload}\n
//
// participant 为 a / b，direct 模式省略；kind 为 0（token）、d（done / error）、p（prompt）。
// token 负载是 JSON 字符串，其余负载是 JSON 对象。
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/BaSui01/arena/arena"
)

// 行协议类型码
const (
	CodeToken  = '0'
	CodeDone   = 'd'
	CodePrompt = 'p'
)

// ContentType 和 StreamHeader 是流式响应的固定头
const (
	ContentType       = "text/plain; charset=utf-8"
	StreamHeader      = "x-vercel-ai-data-stream"
	StreamHeaderValue = "v1"
)

var ErrMalformedLine = errors.New("wire: malformed line")

// AppendFrame 把一帧编码后追加到 dst
func AppendFrame(dst []byte, f arena.Frame) ([]byte, error) {
	switch f.Participant {
	case arena.ParticipantNone, arena.ParticipantA, arena.ParticipantB:
	default:
		return dst, fmt.Errorf("wire: unknown participant %q", f.Participant)
	}
	dst = append(dst, string(f.Participant)...)

	var payload []byte
	var err error
	switch f.Kind {
	case arena.FrameToken:
		dst = append(dst, CodeToken, ':')
		payload, err = marshal(f.Text)
	case arena.FrameDone, arena.FrameError:
		dst = append(dst, CodeDone, ':')
		done := f.Done
		if done == nil {
			done = &arena.DonePayload{FinishReason: arena.FinishStop}
			if f.Kind == arena.FrameError {
				done.FinishReason = arena.FinishError
			}
		}
		payload, err = marshal(done)
	case arena.FramePrompt:
		if f.Prompt == nil {
			return dst, errors.New("wire: prompt frame without payload")
		}
		dst = append(dst, CodePrompt, ':')
		payload, err = marshal(f.Prompt)
	default:
		return dst, fmt.Errorf("wire: unknown frame kind %q", f.Kind)
	}
	if err != nil {
		return dst, err
	}
	dst = append(dst, payload...)
	return append(dst, '\n'), nil
}

// Line 返回一帧的完整行文本
func Line(f arena.Frame) (string, error) {
	b, err := AppendFrame(nil, f)
	return string(b), err
}

// marshal 不做 HTML 转义，也不带 Encoder 追加的换行
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// =============================================================================
// ✍️ Encoder
// =============================================================================

// Encoder 把帧逐行写入响应，每帧之后 flush
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func()
	buf    []byte
	frames int
}

// NewEncoder 创建编码器。w 实现 http.Flusher 时每帧之后立即 flush。
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w, buf: make([]byte, 0, 256)}
	if f, ok := w.(http.Flusher); ok {
		e.flush = f.Flush
	}
	return e
}

// Encode 写出一帧
func (e *Encoder) Encode(f arena.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	e.buf, err = AppendFrame(e.buf[:0], f)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(e.buf); err != nil {
		return err
	}
	e.frames++
	if e.flush != nil {
		e.flush()
	}
	return nil
}

// Frames 返回已写出的帧数
func (e *Encoder) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// =============================================================================
// 📖 解码
// =============================================================================

// ParseLine 解析一行（可带结尾换行）为帧
func ParseLine(line string) (arena.Frame, error) {
	line = strings.TrimSuffix(line, "\n")
	var f arena.Frame
	if i := strings.IndexByte(line, ':'); i < 1 || i > 2 {
		return f, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	if line[0] == byte(arena.ParticipantA[0]) || line[0] == byte(arena.ParticipantB[0]) {
		f.Participant = arena.Participant(line[:1])
		line = line[1:]
	}
	if len(line) < 2 || line[1] != ':' {
		return f, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	code, payload := line[0], []byte(line[2:])

	switch code {
	case CodeToken:
		f.Kind = arena.FrameToken
		if err := json.Unmarshal(payload, &f.Text); err != nil {
			return f, fmt.Errorf("%w: %v", ErrMalformedLine, err)
		}
	case CodeDone:
		f.Done = &arena.DonePayload{}
		if err := json.Unmarshal(payload, f.Done); err != nil {
			return f, fmt.Errorf("%w: %v", ErrMalformedLine, err)
		}
		f.Kind = arena.FrameDone
		if f.Done.FinishReason == arena.FinishError {
			f.Kind = arena.FrameError
		}
	case CodePrompt:
		f.Kind = arena.FramePrompt
		f.Prompt = &arena.PromptPayload{}
		if err := json.Unmarshal(payload, f.Prompt); err != nil {
			return f, fmt.Errorf("%w: %v", ErrMalformedLine, err)
		}
	default:
		return f, fmt.Errorf("%w: unknown code %q", ErrMalformedLine, code)
	}
	return f, nil
}

// Decoder 从流中逐行读取帧
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder 创建解码器
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	return &Decoder{sc: sc}
}

// Next 返回下一帧，流结束时返回 io.EOF
func (d *Decoder) Next() (arena.Frame, error) {
	for d.sc.Scan() {
		line := d.sc.Text()
		if line == "" {
			continue
		}
		return ParseLine(line)
	}
	if err := d.sc.Err(); err != nil {
		return arena.Frame{}, err
	}
	return arena.Frame{}, io.EOF
}
