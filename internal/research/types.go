package research

import (
	"encoding/json"
	"sort"
	"time"
)

// SessionStatus is the lifecycle state of a research session.
type SessionStatus string

const (
	StatusCreated     SessionStatus = "created"
	StatusPlanning    SessionStatus = "planning"
	StatusResearching SessionStatus = "researching"
	StatusAggregating SessionStatus = "aggregating"
	StatusDone        SessionStatus = "done"
	StatusFailed      SessionStatus = "failed"
	StatusCancelled   SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SubQuestionStatus is the state of a single sub-question.
type SubQuestionStatus string

const (
	SubQuestionPending SubQuestionStatus = "pending"
	SubQuestionRunning SubQuestionStatus = "running"
	SubQuestionDone    SubQuestionStatus = "done"
	SubQuestionFailed  SubQuestionStatus = "failed"
)

// ToolConfig enables a tool for a session, optionally overriding its connection.
type ToolConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Session is one end-to-end research request.
type Session struct {
	ID           string        `json:"id"`
	Query        string        `json:"query"`
	ReportType   ReportType    `json:"report_type"`
	Tone         Tone          `json:"tone"`
	QueryDomains []string      `json:"query_domains,omitempty"`
	SourceURLs   []string      `json:"source_urls,omitempty"`
	Tools        []ToolConfig  `json:"tool_config,omitempty"`
	Status       SessionStatus `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Usage        Usage         `json:"usage"`
}

// Usage counts the reasoning calls and tokens a session consumed.
type Usage struct {
	Calls            int `json:"calls"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add returns the sum of u and v.
func (u Usage) Add(v Usage) Usage {
	return Usage{Calls: u.Calls + v.Calls, PromptTokens: u.PromptTokens + v.PromptTokens, CompletionTokens: u.CompletionTokens + v.CompletionTokens}
}

// Total is prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// SubQuestion is a decomposed piece of the root query.
type SubQuestion struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Text      string             `json:"text"`
	Position  int                `json:"position"`
	Status    SubQuestionStatus  `json:"status"`
	Result    *SubQuestionResult `json:"result,omitempty"`
	Failure   string             `json:"failure,omitempty"`
}

// SubQuestionResult is what an executor produces for a finished sub-question.
type SubQuestionResult struct {
	Answer      string           `json:"answer"`
	Sources     []Source         `json:"sources"`
	Images      []Image          `json:"images,omitempty"`
	Invocations []ToolInvocation `json:"invocations,omitempty"`
	Iterations  int              `json:"iterations"`
	Forced      bool             `json:"forced,omitempty"`
}

// Source is a piece of cited evidence.
type Source struct {
	URL     string   `json:"url"`
	Title   string   `json:"title,omitempty"`
	Snippet string   `json:"snippet,omitempty"`
	UsedIn  []string `json:"used_in,omitempty"`
}

// AddUsedIn records that the sub-question id cited s. UsedIn stays sorted and unique.
func (s *Source) AddUsedIn(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		i := sort.SearchStrings(s.UsedIn, id)
		if i < len(s.UsedIn) && s.UsedIn[i] == id {
			continue
		}
		s.UsedIn = append(s.UsedIn, "")
		copy(s.UsedIn[i+1:], s.UsedIn[i:])
		s.UsedIn[i] = id
	}
}

// Image is a candidate picture for the report gallery.
type Image struct {
	URL   string `json:"url"`
	Alt   string `json:"alt,omitempty"`
	Score int    `json:"score"`
}

// ToolInvocation records one tool call made by an executor.
type ToolInvocation struct {
	Tool    string          `json:"tool"`
	Args    map[string]any  `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Latency time.Duration   `json:"latency"`
	Round   int             `json:"round"`
}

// Section is one sub-question's contribution to the report body.
type Section struct {
	SubQuestionID string `json:"subquestion_id"`
	Heading       string `json:"heading"`
	Body          string `json:"body"`
}

// TraceEntry records which tools and sources a sub-question touched.
type TraceEntry struct {
	SubQuestionID string            `json:"subquestion_id"`
	Question      string            `json:"question"`
	Status        SubQuestionStatus `json:"status"`
	Tools         []string          `json:"tools,omitempty"`
	SourceURLs    []string          `json:"source_urls,omitempty"`
	Failure       string            `json:"failure,omitempty"`
}

// Report is the immutable output of a finished session.
type Report struct {
	SessionID          string       `json:"session_id"`
	Query              string       `json:"query"`
	ReportType         ReportType   `json:"report_type"`
	Body               string       `json:"body"`
	Sections           []Section    `json:"sections,omitempty"`
	Citations          []Source     `json:"citations"`
	Images             []Image      `json:"images,omitempty"`
	Trace              []TraceEntry `json:"trace"`
	FailedSubQuestions []string     `json:"failed_subquestions,omitempty"`
	Revised            bool         `json:"revised,omitempty"`
	Usage              Usage        `json:"usage"`
	CreatedAt          time.Time    `json:"created_at"`
}
