package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/schedule"
	"github.com/mohammad-safakhou/researcher/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCMD(g *globals) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if addr == "" {
				addr = cfg.Server.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				a.close(shutdownCtx)
			}()

			opts := []server.Option{
				server.WithLogger(log),
				server.WithCORSOrigins(cfg.Server.CORSOrigins),
				server.WithChatTimeout(cfg.Server.RunTimeout),
			}
			if cfg.Telemetry.MetricsEnabled {
				opts = append(opts, server.WithMetrics(a.tel.Handler()))
			}
			if cfg.Server.JWTSecret != "" {
				opts = append(opts, server.WithJWTSecret([]byte(cfg.Server.JWTSecret)))
			} else {
				log.Warn("server.jwt_secret is empty; the API is unauthenticated")
			}
			switch {
			case a.history != nil:
				opts = append(opts, server.WithHistory(a.history))
			case a.mirror != nil:
				opts = append(opts, server.WithReplay(a.mirror))
			}
			srv := server.New(a.orch, a.bus, opts...)

			sched, err := schedule.New(a.orch, cfg.Schedules, schedule.WithLogger(log))
			if err != nil {
				return err
			}

			grp, gctx := errgroup.WithContext(ctx)
			grp.Go(func() error { return srv.Start(addr) })
			grp.Go(func() error { return sched.Run(gctx) })
			grp.Go(func() error {
				a.orch.RunSweeper(gctx, time.Minute)
				return nil
			})
			grp.Go(func() error {
				<-gctx.Done()
				log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if err := grp.Wait(); err != nil {
				log.Error("server stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return serve
}
