package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/history"
	"github.com/mohammad-safakhou/researcher/internal/orchestrator"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/progress/redisstream"
	"github.com/mohammad-safakhou/researcher/internal/reasoning"
	"github.com/mohammad-safakhou/researcher/internal/report"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/mohammad-safakhou/researcher/internal/tools/corpus"
	"github.com/mohammad-safakhou/researcher/internal/tools/mcpclient"
	"github.com/mohammad-safakhou/researcher/internal/tools/webfetch"
	"github.com/mohammad-safakhou/researcher/internal/tools/websearch"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app is the wired service shared by serve and research.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	tel      *telemetry.Telemetry
	registry *tools.Registry
	mcp      []*mcpclient.Client
	bus      *progress.Bus
	history  *history.Store
	mirror   *redisstream.Mirror
	rdb      *redis.Client
	orch     *orchestrator.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.tel, err = telemetry.Setup(ctx, cfg.Telemetry, Version); err != nil {
		return nil, err
	}
	format, err := report.ParseFormat(cfg.Research.ReportFormat)
	if err != nil {
		return nil, err
	}

	corp := corpus.New()
	if a.registry, a.mcp, err = buildRegistry(ctx, cfg, corp, log); err != nil {
		return nil, err
	}

	busOpts := []progress.Option{progress.WithLogger(log)}
	if cfg.Storage.Redis.Enabled() {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Storage.Redis.Addr, Password: cfg.Storage.Redis.Password, DB: cfg.Storage.Redis.DB})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr, err)
		}
		a.mirror = redisstream.New(a.rdb, cfg.Storage.Redis.StreamPrefix, cfg.Storage.Redis.StreamMaxLen)
		busOpts = append(busOpts, progress.WithSink(a.mirror))
		log.Info("mirroring progress to redis", zap.String("addr", cfg.Storage.Redis.Addr))
	}
	if cfg.Storage.Postgres.Enabled() {
		dsn, err := cfg.Storage.Postgres.DSN()
		if err != nil {
			return nil, err
		}
		if err := history.Migrate(dsn, "up", 0); err != nil {
			return nil, fmt.Errorf("history migrations: %w", err)
		}
		if a.history, err = history.Open(ctx, dsn); err != nil {
			return nil, err
		}
		busOpts = append(busOpts, progress.WithSink(a.history))
		log.Info("archiving sessions to postgres")
	}
	a.bus = progress.NewBus(busOpts...)

	llm := reasoning.NewHTTPClient(cfg.Reasoning, reasoning.WithLogger(log))
	builder := report.NewBuilder(llm, a.bus, report.Options{
		TotalWords: cfg.Research.TotalWords,
		Format:     format,
		Model:      cfg.Reasoning.SmartModel,
	}, log)

	opts := []orchestrator.Option{orchestrator.WithCorpus(corp), orchestrator.WithLogger(log)}
	if a.history != nil {
		opts = append(opts, orchestrator.WithArchive(a.history))
	}
	a.orch = orchestrator.New(orchestrator.ConfigFrom(cfg.Research, cfg.Reasoning), llm, a.registry, a.bus, builder, opts...)
	return a, nil
}

// close stops sessions, flushes sinks and releases connections.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.orch != nil {
		errs = append(errs, a.orch.Shutdown(ctx))
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Shutdown(ctx))
	}
	for _, c := range a.mcp {
		errs = append(errs, c.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("shutdown incomplete", zap.Error(err))
	}
}

// buildRegistry registers the built-in tools, every configured MCP server
// and HTTP tool. corp may be nil to leave out corpus_search.
func buildRegistry(ctx context.Context, cfg *config.Config, corp *corpus.Corpus, log *zap.Logger) (*tools.Registry, []*mcpclient.Client, error) {
	tc := cfg.Tools
	reg := tools.NewRegistry(
		tools.WithCallTimeout(tc.CallTimeout),
		tools.WithHTTPClient(&http.Client{Timeout: tc.CallTimeout}),
		tools.WithLogger(log.Named("tools")),
	)

	searcher, err := websearch.New(tc.BraveAPIKey, tc.SerperAPIKey, &http.Client{Timeout: tc.FetchTimeout})
	if err != nil {
		log.Warn("web search disabled", zap.Error(err))
	} else if err := reg.Register(websearch.Descriptor(searcher, cfg.Research.MaxSearchResults, nil)); err != nil {
		return nil, nil, err
	}
	if err := reg.Register(webfetch.Descriptor(webfetch.New(tc.RenderJS, tc.FetchTimeout, tc.FetchMaxChars), nil)); err != nil {
		return nil, nil, err
	}
	if corp != nil {
		if err := reg.Register(corpus.Descriptor(corp)); err != nil {
			return nil, nil, err
		}
	}

	for _, h := range tc.HTTPTools {
		d := tools.Descriptor{
			Name:        h.Name,
			Description: h.Description,
			Transport:   tools.Network{URL: h.URL, Headers: h.Headers},
		}
		if s := strings.TrimSpace(h.InputSchema); s != "" {
			d.InputSchema = json.RawMessage(s)
		}
		if err := reg.Register(d); err != nil {
			return nil, nil, fmt.Errorf("http tool %s: %w", h.Name, err)
		}
	}

	var clients []*mcpclient.Client
	for _, m := range tc.MCPServers {
		c, err := mcpclient.Start(ctx, m.Name, m.Command, m.Args, m.Env, log)
		if err != nil {
			log.Warn("mcp server unavailable", zap.String("server", m.Name), zap.Error(err))
			continue
		}
		clients = append(clients, c)
		n, err := mcpclient.RegisterServer(ctx, reg, c, m.Name)
		if err != nil {
			log.Warn("mcp server tools not registered", zap.String("server", m.Name), zap.Int("registered", n), zap.Error(err))
			continue
		}
		log.Info("mcp server attached", zap.String("server", m.Name), zap.Int("tools", n))
	}
	return reg, clients, nil
}
