package arena

// FrameKind 帧类型
type FrameKind string

const (
	FrameToken  FrameKind = "token"
	FrameDone   FrameKind = "done"
	FrameError  FrameKind = "error"
	FramePrompt FrameKind = "prompt"
)

// Finish reasons carried by done frames.
const (
	FinishStop  = "stop"
	FinishError = "error"
)

// DonePayload 是 done / error 帧的负载
type DonePayload struct {
	FinishReason string `json:"finishReason"`
	Error        string `json:"error,omitempty"`
}

// PromptPayload 宣告学术模式下选中的 prompt
type PromptPayload struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	PromptID uint   `json:"promptId,omitempty"`
}

// Frame 是一个短暂的行协议单元，不持久化
type Frame struct {
	Participant Participant
	Kind        FrameKind
	Text        string
	Done        *DonePayload
	Prompt      *PromptPayload
}

// TokenFrame builds a token frame.
func TokenFrame(p Participant, text string) Frame {
	return Frame{Participant: p, Kind: FrameToken, Text: text}
}

// DoneFrame builds a successful completion frame.
func DoneFrame(p Participant) Frame {
	return Frame{Participant: p, Kind: FrameDone, Done: &DonePayload{FinishReason: FinishStop}}
}

// ErrorFrame builds the error-flavored done frame.
func ErrorFrame(p Participant, msg string) Frame {
	return Frame{Participant: p, Kind: FrameError, Done: &DonePayload{FinishReason: FinishError, Error: msg}}
}

// Terminal reports whether the frame ends its branch.
func (f Frame) Terminal() bool {
	return f.Kind == FrameDone || f.Kind == FrameError
}
