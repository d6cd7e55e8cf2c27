package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/researcher/internal/history"
	"github.com/mohammad-safakhou/researcher/internal/orchestrator"
	"github.com/mohammad-safakhou/researcher/internal/reasoning"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var serverTracer = otel.Tracer("researcher/internal/server")

type createRequest struct {
	Query        string                `json:"query"`
	ReportType   string                `json:"report_type"`
	Tone         string                `json:"tone"`
	QueryDomains []string              `json:"query_domains"`
	ToolConfig   []research.ToolConfig `json:"tool_config"`
	SourceURLs   []string              `json:"source_urls"`
}

type createResponse struct {
	ID     string                 `json:"id"`
	Status research.SessionStatus `json:"status"`
}

type chatRequest struct {
	Message string `json:"message"`
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	var rerr *reasoning.Error
	switch {
	case errors.Is(err, orchestrator.ErrUnknownSession), errors.Is(err, history.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "unknown session")
	case errors.Is(err, orchestrator.ErrNoReport):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNotFinished):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrTooManySessions):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, orchestrator.ErrEmptyQuery), errors.Is(err, orchestrator.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &rerr):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// createResearch starts a session.
//
//	@Summary	Start research
//	@Tags		research
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		createRequest	true	"Research request"
//	@Success	202		{object}	createResponse
//	@Failure	400		{object}	map[string]string
//	@Failure	429		{object}	map[string]string
//	@Router		/api/research [post]
func (s *Server) createResearch(c echo.Context) error {
	ctx, span := serverTracer.Start(c.Request().Context(), "server.createResearch")
	defer span.End()

	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in := orchestrator.Request{
		Query:        req.Query,
		QueryDomains: req.QueryDomains,
		SourceURLs:   req.SourceURLs,
		Tools:        req.ToolConfig,
	}
	var err error
	if strings.TrimSpace(req.ReportType) != "" {
		if in.ReportType, err = research.ParseReportType(req.ReportType); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if in.Tone, err = research.ParseTone(req.Tone); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := s.orch.Start(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return httpError(err)
	}
	span.SetAttributes(attribute.String("session_id", sess.ID))
	return c.JSON(http.StatusAccepted, createResponse{ID: sess.ID, Status: sess.Status})
}

// listResearch returns live sessions, then archived ones not held in memory.
func (s *Server) listResearch(c echo.Context) error {
	out := s.orch.List()
	if s.history != nil {
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		archived, err := s.history.ListSessions(c.Request().Context(), limit)
		if err != nil {
			return httpError(err)
		}
		live := make(map[string]struct{}, len(out))
		for _, sess := range out {
			live[sess.ID] = struct{}{}
		}
		for _, sess := range archived {
			if _, ok := live[sess.ID]; !ok {
				out = append(out, sess)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	}
	if out == nil {
		out = []research.Session{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) getResearch(c echo.Context) error {
	id := c.Param("id")
	snap, err := s.orch.Get(id)
	if errors.Is(err, orchestrator.ErrUnknownSession) && s.history != nil {
		sess, subs, herr := s.history.GetSession(c.Request().Context(), id)
		if herr != nil {
			return httpError(herr)
		}
		return c.JSON(http.StatusOK, orchestrator.Snapshot{Session: sess, SubQuestions: subs})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// getReport returns the finished report.
//
//	@Summary	Research report
//	@Tags		research
//	@Produce	json
//	@Param		id	path		string	true	"Session ID"
//	@Success	200	{object}	research.Report
//	@Failure	404	{object}	map[string]string
//	@Failure	409	{object}	map[string]string
//	@Router		/api/research/{id}/report [get]
func (s *Server) getReport(c echo.Context) error {
	id := c.Param("id")
	rep, err := s.orch.Report(id)
	if errors.Is(err, orchestrator.ErrUnknownSession) && s.history != nil {
		rep, err = s.history.GetReport(c.Request().Context(), id)
	}
	if err != nil {
		return httpError(err)
	}
	if c.QueryParam("format") == "markdown" {
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(rep.Body))
	}
	return c.JSON(http.StatusOK, rep)
}

func (s *Server) cancelResearch(c echo.Context) error {
	id := c.Param("id")
	if err := s.orch.Cancel(id); err != nil {
		return httpError(err)
	}
	snap, err := s.orch.Get(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap.Session)
}

func (s *Server) deleteResearch(c echo.Context) error {
	if err := s.orch.Discard(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.chatTime)
	defer cancel()
	reply, err := s.orch.Chat(ctx, c.Param("id"), req.Message)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reply)
}
