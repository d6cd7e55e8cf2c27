package progress

import (
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/research"
)

// Kind enumerates progress event types.
type Kind string

const (
	KindPlanReady          Kind = "plan_ready"
	KindSubQuestionStarted Kind = "subquestion_started"
	KindToolCall           Kind = "tool_call"
	KindSubQuestionDone    Kind = "subquestion_done"
	KindSubQuestionFailed  Kind = "subquestion_failed"
	KindReportChunk        Kind = "report_chunk"
	KindDone               Kind = "done"
	KindError              Kind = "error"
)

// Terminal reports whether k ends a session's stream.
func (k Kind) Terminal() bool { return k == KindDone || k == KindError }

// Event is one entry of a session's append-only log. Seq is the only
// ordering consumers may rely on.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Time      time.Time       `json:"time"`
}

// PlanItem is one planned sub-question.
type PlanItem struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Position int    `json:"position"`
}

// PlanReady is the payload of plan_ready.
type PlanReady struct {
	SubQuestions []PlanItem `json:"subquestions"`
}

// SubQuestionStarted is the payload of subquestion_started.
type SubQuestionStarted struct {
	SubQuestionID string `json:"subquestion_id"`
	Text          string `json:"text"`
	Position      int    `json:"position"`
}

// ToolCall is the payload of tool_call.
type ToolCall struct {
	SubQuestionID string         `json:"subquestion_id"`
	Tool          string         `json:"tool"`
	Args          map[string]any `json:"args,omitempty"`
	Round         int            `json:"round"`
	LatencyMS     int64          `json:"latency_ms"`
	Error         string         `json:"error,omitempty"`
}

// SubQuestionDone is the payload of subquestion_done.
type SubQuestionDone struct {
	SubQuestionID string `json:"subquestion_id"`
	Sources       int    `json:"sources"`
	Iterations    int    `json:"iterations"`
	Forced        bool   `json:"forced,omitempty"`
}

// SubQuestionFailed is the payload of subquestion_failed.
type SubQuestionFailed struct {
	SubQuestionID string `json:"subquestion_id"`
	Error         string `json:"error"`
}

// ReportChunk is the payload of report_chunk.
type ReportChunk struct {
	Index   int    `json:"index"`
	Heading string `json:"heading,omitempty"`
	Text    string `json:"text"`
}

// Done is the payload of done.
type Done struct {
	Citations          int            `json:"citations"`
	FailedSubQuestions []string       `json:"failed_subquestions,omitempty"`
	Usage              research.Usage `json:"usage"`
}

// Error is the payload of error.
type Error struct {
	Message string `json:"message"`
}
