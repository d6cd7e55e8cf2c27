package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/reasoning"
	"go.uber.org/zap"
)

const (
	chatTemperature = 0.35
	chatHits        = 4
	chatMemory      = 6
)

type turn struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	At        time.Time `json:"at"`
}

// ChatReply is the answer to a follow-up question about a finished report.
type ChatReply struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Answer    string `json:"answer"`
}

// Chat answers a follow-up question grounded in the session's report and
// the pages fetched while researching it. Answers cite the report's sources.
func (o *Orchestrator) Chat(ctx context.Context, id, message string) (*ChatReply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}
	rep, err := o.Report(id)
	if err != nil {
		return nil, err
	}
	r, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	history := append([]turn(nil), r.chat...)
	r.mu.Unlock()

	var b strings.Builder
	b.WriteString("This is a conversation about a research report you wrote. Answer from the report and the excerpts below.\n")
	b.WriteString("You must include citations to the report's sources in your answer, as markdown links.\n\n")
	fmt.Fprintf(&b, "Report:\n%s\n", rep.Body)
	hits, err := o.corpus.Search(id, message, chatHits)
	if err != nil {
		o.log.Debug("chat retrieval failed", zap.String("session", id), zap.Error(err))
	}
	if len(hits) > 0 {
		b.WriteString("\nRelevant excerpts:\n")
		for _, h := range hits {
			if strings.HasPrefix(h.URL, "report://") {
				continue
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", h.Title, h.URL, helpers.TrimSnippet(h.Snippet, 400))
		}
	}
	if len(history) > chatMemory {
		history = history[len(history)-chatMemory:]
	}
	if len(history) > 0 {
		b.WriteString("\nEarlier in this conversation:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "User: %s\nYou: %s\n", t.User, t.Assistant)
		}
	}
	fmt.Fprintf(&b, "\nUser message: %s", message)

	answer, err := o.llm.Complete(reasoning.WithMeter(ctx, &r.meter), b.String(), reasoning.Options{
		Model:       o.cfg.AnswerModel,
		Temperature: reasoning.Temp(chatTemperature),
		Purpose:     "chat",
	})
	if err != nil {
		return nil, err
	}
	answer = strings.TrimSpace(answer)
	r.mu.Lock()
	r.chat = append(r.chat, turn{User: message, Assistant: answer, At: o.now().UTC()})
	r.mu.Unlock()
	return &ChatReply{SessionID: id, Message: message, Answer: answer}, nil
}
