// Package orchestrator owns research sessions: it plans, fans sub-questions
// out to executors under a global in-flight ceiling, aggregates the report
// and guards every status transition.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/planner"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/reasoning"
	"github.com/mohammad-safakhou/researcher/internal/report"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/mohammad-safakhou/researcher/internal/tools/corpus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrNotFinished     = errors.New("session has not finished")
	ErrNoReport        = errors.New("session finished without a report")
	ErrTooManySessions = errors.New("too many active sessions")
	ErrEmptyQuery      = errors.New("query is required")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Config bounds sessions.
type Config struct {
	MaxInFlight    int
	MaxIterations  int
	MaxSessions    int
	SessionTimeout time.Duration
	ContextBudget  int
	GracePeriod    time.Duration
	DecisionModel  string
	AnswerModel    string
	// RetryInterval is the executor's initial backoff; zero keeps its default.
	RetryInterval time.Duration
	// IncludeRootQuery researches the root query next to the planned
	// sub-questions.
	IncludeRootQuery bool
	// ComplementSourceURLs adds an initial web search when the request
	// names source URLs.
	ComplementSourceURLs bool
}

// ConfigFrom maps service configuration onto orchestrator settings.
func ConfigFrom(rc config.ResearchConfig, mc config.ReasoningConfig) Config {
	return Config{
		MaxInFlight:    rc.MaxInFlight,
		MaxIterations:  rc.MaxIterations,
		MaxSessions:    rc.MaxSessions,
		SessionTimeout: rc.SessionTimeout,
		ContextBudget:  rc.ContextBudget,
		GracePeriod:    rc.GracePeriod,
		DecisionModel:  mc.Model,
		AnswerModel:    mc.SmartModel,

		IncludeRootQuery:     rc.IncludeRootQuery,
		ComplementSourceURLs: rc.ComplementSourceURLs,
	}
}

func (c Config) normalize() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Minute
	}
	return c
}

// Request starts a session.
type Request struct {
	Query        string                `json:"query"`
	ReportType   research.ReportType   `json:"report_type"`
	Tone         research.Tone         `json:"tone"`
	QueryDomains []string              `json:"query_domains,omitempty"`
	SourceURLs   []string              `json:"source_urls,omitempty"`
	Tools        []research.ToolConfig `json:"tool_config,omitempty"`
}

// Snapshot is a consistent copy of a session and its sub-questions.
type Snapshot struct {
	Session      research.Session       `json:"session"`
	SubQuestions []research.SubQuestion `json:"subquestions"`
}

// Archive persists finished sessions. It is optional.
type Archive interface {
	SaveSession(ctx context.Context, s research.Session, sqs []research.SubQuestion) error
	SaveReport(ctx context.Context, r *research.Report) error
}

type run struct {
	mu      sync.Mutex
	session research.Session
	subs    []research.SubQuestion
	report  *research.Report
	chat    []turn
	meter   reasoning.Meter
	cancel  context.CancelFunc
	done    chan struct{}
}

// transition moves the session to next unless it is already terminal.
func (r *run) transition(next research.SessionStatus, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(next, now)
}

func (r *run) transitionLocked(next research.SessionStatus, now time.Time) bool {
	if r.session.Status.Terminal() {
		return false
	}
	r.session.Status = next
	r.session.UpdatedAt = now
	if next.Terminal() {
		r.session.FinishedAt = &now
	}
	return true
}

func (r *run) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.session
	sess.Usage = r.meter.Usage()
	return Snapshot{Session: sess, SubQuestions: append([]research.SubQuestion(nil), r.subs...)}
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	llm      reasoning.Client
	registry *tools.Registry
	bus      *progress.Bus
	planner  *planner.Planner
	builder  *report.Builder
	corpus   *corpus.Corpus
	archive  Archive
	slots    *semaphore.Weighted
	log      *zap.Logger
	now      func() time.Time

	mu   sync.RWMutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithArchive(a Archive) Option { return func(o *Orchestrator) { o.archive = a } }

func WithCorpus(c *corpus.Corpus) Option { return func(o *Orchestrator) { o.corpus = c } }

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l.Named("orchestrator")
		}
	}
}

// New wires an orchestrator.
func New(cfg Config, llm reasoning.Client, registry *tools.Registry, bus *progress.Bus, builder *report.Builder, opts ...Option) *Orchestrator {
	cfg = cfg.normalize()
	o := &Orchestrator{
		cfg:      cfg,
		llm:      llm,
		registry: registry,
		bus:      bus,
		builder:  builder,
		slots:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		log:      zap.NewNop(),
		now:      time.Now,
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.corpus == nil {
		o.corpus = corpus.New()
	}
	o.planner = planner.New(llm, cfg.DecisionModel, o.log)
	return o
}

// Start creates a session and researches it in the background.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*research.Session, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}
	if req.ReportType == "" {
		req.ReportType = research.ReportResearch
	}
	if req.Tone == "" {
		req.Tone = research.ToneObjective
	}
	if err := o.checkTools(req.Tools); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	r := &run{
		session: research.Session{
			ID:           uuid.NewString(),
			Query:        req.Query,
			ReportType:   req.ReportType,
			Tone:         req.Tone,
			QueryDomains: req.QueryDomains,
			SourceURLs:   req.SourceURLs,
			Tools:        req.Tools,
			Status:       research.StatusCreated,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		done: make(chan struct{}),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = corpus.WithSession(runCtx, r.session.ID)
	runCtx = reasoning.WithMeter(runCtx, &r.meter)
	r.cancel = cancel

	o.mu.Lock()
	if o.cfg.MaxSessions > 0 && o.activeLocked() >= o.cfg.MaxSessions {
		o.mu.Unlock()
		cancel()
		return nil, ErrTooManySessions
	}
	if err := o.bus.Open(r.session.ID); err != nil {
		o.mu.Unlock()
		cancel()
		return nil, err
	}
	if err := o.corpus.Open(r.session.ID); err != nil {
		o.mu.Unlock()
		o.bus.Forget(r.session.ID)
		cancel()
		return nil, err
	}
	o.runs[r.session.ID] = r
	o.mu.Unlock()

	telemetry.SessionStarted(ctx)
	o.log.Info("session started", zap.String("session", r.session.ID), zap.String("report_type", string(req.ReportType)))

	s := r.snapshot().Session
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(r.done)
		defer cancel()
		o.execute(runCtx, r)
	}()
	return &s, nil
}

func (o *Orchestrator) activeLocked() int {
	n := 0
	for _, r := range o.runs {
		r.mu.Lock()
		if !r.session.Status.Terminal() {
			n++
		}
		r.mu.Unlock()
	}
	return n
}

func (o *Orchestrator) lookup(id string) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return r, nil
}

// Get returns a snapshot of the session.
func (o *Orchestrator) Get(id string) (*Snapshot, error) {
	r, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	s := r.snapshot()
	return &s, nil
}

// List returns every known session, newest first.
func (o *Orchestrator) List() []research.Session {
	o.mu.RLock()
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.RUnlock()
	out := make([]research.Session, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot().Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel stops a running session. Cancelling a finished session is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	r, err := o.lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	changed := r.transitionLocked(research.StatusCancelled, o.now().UTC())
	if changed {
		r.session.Error = "cancelled"
	}
	r.mu.Unlock()
	if changed {
		o.log.Info("session cancelled", zap.String("session", id))
		r.cancel()
	}
	return nil
}

// Wait blocks until the session reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*research.Session, error) {
	r, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s := r.snapshot().Session
	return &s, nil
}

// Report returns the finished report.
func (o *Orchestrator) Report(id string) (*research.Report, error) {
	r, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.session.Status.Terminal() {
		return nil, ErrNotFinished
	}
	if r.report == nil {
		return nil, ErrNoReport
	}
	return r.report, nil
}

// Discard cancels the session if needed and forgets it.
func (o *Orchestrator) Discard(id string) error {
	if err := o.Cancel(id); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.runs, id)
	o.mu.Unlock()
	o.bus.Forget(id)
	o.corpus.Drop(id)
	return nil
}

// SweepExpired forgets terminal sessions finished more than the grace
// period before now and returns how many were removed.
func (o *Orchestrator) SweepExpired(now time.Time) int {
	var expired []string
	o.mu.RLock()
	for id, r := range o.runs {
		r.mu.Lock()
		if f := r.session.FinishedAt; f != nil && now.Sub(*f) > o.cfg.GracePeriod {
			expired = append(expired, id)
		}
		r.mu.Unlock()
	}
	o.mu.RUnlock()
	for _, id := range expired {
		_ = o.Discard(id)
	}
	if len(expired) > 0 {
		o.log.Debug("expired sessions swept", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// RunSweeper calls SweepExpired every interval until ctx ends.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.SweepExpired(now)
		}
	}
}

// Shutdown cancels every running session and waits for them to stop.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	for _, id := range ids {
		_ = o.Cancel(id)
	}
	stopped := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tools lists the registered tools.
func (o *Orchestrator) Tools() []tools.Descriptor { return o.registry.List() }
