package agent

import "github.com/julesdesai/writing-anima/internal/retrieval"

// FrameType discriminates stream frames.
type FrameType string

// Frame types on the analysis and chat streams.
const (
	FrameStatus   FrameType = "status"
	FrameFeedback FrameType = "feedback"
	FrameToken    FrameType = "token"
	FrameComplete FrameType = "complete"
	FrameError    FrameType = "error"
)

// Error kinds carried by terminal error frames.
const (
	KindValidationError  = "ValidationError"
	KindIterationCap     = "IterationCap"
	KindToolExhaustion   = "ToolExhaustion"
	KindTimedOut         = "TimedOut"
	KindModelFailure     = "ModelFailure"
	KindIndexUnavailable = "IndexUnavailable"
)

// Frame is one discrete message on the streaming transport. The per-type
// field groups populated are selected by Type; Message is shared by status
// and error frames.
type Frame struct {
	Type FrameType `json:"type"`

	// status, error
	Message string          `json:"message,omitempty"`
	Tool    *retrieval.Call `json:"tool,omitempty"`
	Stage   string          `json:"stage,omitempty"`

	// feedback
	Item *FeedbackItem `json:"item,omitempty"`

	// token
	Content string `json:"content,omitempty"`

	// complete
	TotalItems     int     `json:"total_items,omitempty"`
	ProcessingTime float64 `json:"processing_time_seconds,omitempty"`
	Partial        bool    `json:"partial,omitempty"`
	Response       string  `json:"response,omitempty"`

	// error
	Kind string `json:"kind,omitempty"`
}

// Terminal reports whether the frame ends a stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameComplete || f.Type == FrameError
}

func statusFrame(message string, call *retrieval.Call, stage string) Frame {
	return Frame{Type: FrameStatus, Message: message, Tool: call, Stage: stage}
}

func feedbackFrame(item FeedbackItem) Frame {
	return Frame{Type: FrameFeedback, Item: &item}
}

func tokenFrame(content string) Frame {
	return Frame{Type: FrameToken, Content: content}
}

func completeFrame(totalItems int, seconds float64, partial bool) Frame {
	return Frame{Type: FrameComplete, TotalItems: totalItems, ProcessingTime: seconds, Partial: partial}
}

func chatCompleteFrame(response string, seconds float64) Frame {
	return Frame{Type: FrameComplete, Response: response, ProcessingTime: seconds}
}

func errorFrame(kind, message string) Frame {
	return Frame{Type: FrameError, Kind: kind, Message: message}
}

// Emit delivers frames to the transport. Returning an error stops the
// producer; the transport is treated as severed.
type Emit func(Frame) error
