// Package redisstream mirrors progress events into Redis Streams so other
// processes can follow or replay a session.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/redis/go-redis/v9"
)

// Envelope is the wire form written to the stream.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	SessionID  string          `json:"session_id"`
	Seq        uint64          `json:"seq"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Validate checks mandatory fields.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errors.New("event_id is required")
	case e.EventType == "":
		return errors.New("event_type is required")
	case e.SessionID == "":
		return errors.New("session_id is required")
	case e.Seq == 0:
		return errors.New("seq must be >= 1")
	}
	return nil
}

// Event converts the envelope back to a progress event.
func (e Envelope) Event() progress.Event {
	return progress.Event{ID: e.EventID, SessionID: e.SessionID, Seq: e.Seq, Kind: progress.Kind(e.EventType), Payload: e.Data, Time: e.OccurredAt}
}

// Client is the subset of *redis.Client the mirror uses.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd
}

// Mirror is a progress.Sink writing one stream per session.
type Mirror struct {
	client Client
	prefix string
	maxLen int64
}

// New returns a mirror writing to prefix+sessionID, trimmed to about maxLen entries.
func New(client Client, prefix string, maxLen int64) *Mirror {
	if prefix == "" {
		prefix = "research:events:"
	}
	return &Mirror{client: client, prefix: prefix, maxLen: maxLen}
}

// Stream returns the stream key for a session.
func (m *Mirror) Stream(sessionID string) string { return m.prefix + sessionID }

// Consume appends ev to the session's stream.
func (m *Mirror) Consume(ctx context.Context, ev progress.Event) error {
	env := Envelope{EventID: ev.ID, EventType: string(ev.Kind), SessionID: ev.SessionID, Seq: ev.Seq, OccurredAt: ev.Time, Data: ev.Payload}
	if err := env.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: m.Stream(ev.SessionID),
		Values: map[string]interface{}{"envelope": raw},
	}
	if m.maxLen > 0 {
		args.MaxLen = m.maxLen
		args.Approx = true
	}
	if err := m.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Replay reads a session's mirrored events with seq > afterSeq, ordered by seq.
func (m *Mirror) Replay(ctx context.Context, sessionID string, afterSeq uint64) ([]progress.Event, error) {
	msgs, err := m.client.XRange(ctx, m.Stream(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	out := make([]progress.Event, 0, len(msgs))
	for _, msg := range msgs {
		env, err := decode(msg)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", msg.ID, err)
		}
		if env.Seq > afterSeq {
			out = append(out, env.Event())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func decode(msg redis.XMessage) (Envelope, error) {
	var env Envelope
	var raw []byte
	switch v := msg.Values["envelope"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return env, errors.New("missing envelope field")
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, env.Validate()
}
