// Package schedule starts recurring research sessions on cron schedules.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/orchestrator"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"go.uber.org/zap"
)

// Starter launches a research session.
type Starter interface {
	Start(ctx context.Context, req orchestrator.Request) (*research.Session, error)
}

// Job is one parsed schedule entry.
type Job struct {
	Name    string
	Spec    string
	Request orchestrator.Request

	expr *cronexpr.Expression
	next time.Time
}

// Next returns the first fire time of spec strictly after from. Standard
// five-field expressions and the @hourly/@daily/@weekly shorthands are
// accepted.
func Next(spec string, from time.Time) (time.Time, error) {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	next := expr.Next(from)
	if next.IsZero() {
		return next, fmt.Errorf("schedule %q never fires after %s", spec, from.Format(time.RFC3339))
	}
	return next, nil
}

// ParseJobs validates configured schedules.
func ParseJobs(cfgs []config.ScheduleConfig) ([]*Job, error) {
	jobs := make([]*Job, 0, len(cfgs))
	for i, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("schedule-%d", i+1)
		}
		expr, err := cronexpr.Parse(c.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", name, err)
		}
		req := orchestrator.Request{Query: c.Query}
		if c.ReportType != "" {
			if req.ReportType, err = research.ParseReportType(c.ReportType); err != nil {
				return nil, fmt.Errorf("schedule %q: %w", name, err)
			}
		}
		if req.Tone, err = research.ParseTone(c.Tone); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", name, err)
		}
		jobs = append(jobs, &Job{Name: name, Spec: c.Cron, Request: req, expr: expr})
	}
	return jobs, nil
}

// Scheduler fires jobs as they come due.
type Scheduler struct {
	starter Starter
	jobs    []*Job
	log     *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l.Named("schedule")
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New parses cfgs and primes every job's next fire time from the current time.
func New(starter Starter, cfgs []config.ScheduleConfig, opts ...Option) (*Scheduler, error) {
	jobs, err := ParseJobs(cfgs)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{starter: starter, jobs: jobs, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	start := s.now()
	for _, j := range s.jobs {
		j.next = j.expr.Next(start)
	}
	return s, nil
}

// Jobs returns the configured jobs.
func (s *Scheduler) Jobs() []*Job { return s.jobs }

// Tick starts every job due at now and returns the earliest upcoming fire
// time, zero when nothing is scheduled.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, j := range s.jobs {
		if j.next.IsZero() {
			continue
		}
		if !j.next.After(now) {
			sess, err := s.starter.Start(ctx, j.Request)
			if err != nil {
				s.log.Warn("scheduled research not started", zap.String("job", j.Name), zap.Error(err))
			} else {
				s.log.Info("scheduled research started", zap.String("job", j.Name), zap.String("session", sess.ID))
			}
			j.next = j.expr.Next(now)
			if j.next.IsZero() {
				continue
			}
		}
		if earliest.IsZero() || j.next.Before(earliest) {
			earliest = j.next
		}
	}
	return earliest
}

// Run fires jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return nil
	}
	for _, j := range s.jobs {
		s.log.Info("schedule registered", zap.String("job", j.Name), zap.String("cron", j.Spec), zap.Time("next", j.next))
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		next := s.Tick(ctx, s.now())
		if next.IsZero() {
			s.log.Info("no schedule fires again")
			<-ctx.Done()
			return nil
		}
		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}
