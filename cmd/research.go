package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/orchestrator"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/report"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/spf13/cobra"
)

func researchCMD(g *globals) *cobra.Command {
	var (
		reportType string
		tone       string
		domains    []string
		sources    []string
		asJSON     bool
		quiet      bool
	)
	c := &cobra.Command{
		Use:   "research [query]",
		Short: "Research a query once and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			req := orchestrator.Request{Query: strings.Join(args, " "), QueryDomains: domains, SourceURLs: sources}
			if reportType != "" {
				if req.ReportType, err = research.ParseReportType(reportType); err != nil {
					return err
				}
			}
			if req.Tone, err = research.ParseTone(tone); err != nil {
				return err
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

			sess, err := a.orch.Start(ctx, req)
			if err != nil {
				return err
			}
			sub, err := a.bus.SubscribeFrom(sess.ID, 0)
			if err != nil {
				return err
			}
			defer sub.Close()

			progressOut := cmd.ErrOrStderr()
			if quiet {
				progressOut = io.Discard
			}
			fmt.Fprintf(progressOut, "session %s started\n", sess.ID)
		follow:
			for {
				select {
				case <-ctx.Done():
					_ = a.orch.Cancel(sess.ID)
					return ctx.Err()
				case ev, ok := <-sub.C():
					if !ok {
						break follow
					}
					fmt.Fprintln(progressOut, describe(ev))
					if ev.Kind.Terminal() {
						break follow
					}
				}
			}

			final, err := a.orch.Wait(ctx, sess.ID)
			if err != nil {
				return err
			}
			if final.Status != research.StatusDone {
				return fmt.Errorf("research %s: %s", final.Status, final.Error)
			}
			rep, err := a.orch.Report(sess.ID)
			if err != nil {
				return err
			}
			format, _ := report.ParseFormat(cfg.Research.ReportFormat)
			return printReport(cmd.OutOrStdout(), rep, format, asJSON)
		},
	}
	c.Flags().StringVar(&reportType, "report-type", "", "research_report, detailed_report, deep or resource_report")
	c.Flags().StringVar(&tone, "tone", "", "writing tone (default objective)")
	c.Flags().StringSliceVar(&domains, "domains", nil, "restrict web search to these domains")
	c.Flags().StringSliceVar(&sources, "sources", nil, "source URLs to prefer")
	c.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	c.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")
	return c
}

func printReport(w io.Writer, rep *research.Report, format report.Format, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	if rep.Body != "" {
		_, err := fmt.Fprintln(w, rep.Body)
		return err
	}
	// resource reports carry citations only
	_, err := fmt.Fprintln(w, format.References(rep.Citations))
	return err
}

// describe renders one progress event as a single line.
func describe(ev progress.Event) string {
	prefix := fmt.Sprintf("[%03d] %-19s", ev.Seq, ev.Kind)
	switch ev.Kind {
	case progress.KindPlanReady:
		var p progress.PlanReady
		if json.Unmarshal(ev.Payload, &p) == nil {
			qs := make([]string, len(p.SubQuestions))
			for i, q := range p.SubQuestions {
				qs[i] = q.Text
			}
			return fmt.Sprintf("%s %d sub-questions: %s", prefix, len(qs), strings.Join(qs, " | "))
		}
	case progress.KindSubQuestionStarted:
		var p progress.SubQuestionStarted
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("%s %s", prefix, p.Text)
		}
	case progress.KindToolCall:
		var p progress.ToolCall
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("%s %s (round %d)", prefix, p.Tool, p.Round)
		}
	case progress.KindSubQuestionDone:
		var p progress.SubQuestionDone
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("%s %d sources after %d rounds", prefix, p.Sources, p.Iterations)
		}
	case progress.KindSubQuestionFailed:
		var p progress.SubQuestionFailed
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("%s %s", prefix, p.Error)
		}
	case progress.KindReportChunk:
		var p progress.ReportChunk
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("%s %s", prefix, p.Heading)
		}
	case progress.KindDone:
		var p progress.Done
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("%s %d citations, %d failed, %d model calls, %d tokens", prefix, p.Citations, len(p.FailedSubQuestions), p.Usage.Calls, p.Usage.Total())
		}
	case progress.KindError:
		var p progress.Error
		if json.Unmarshal(ev.Payload, &p) == nil {
			return fmt.Sprintf("%s %s", prefix, p.Message)
		}
	}
	return strings.TrimRight(prefix, " ")
}
