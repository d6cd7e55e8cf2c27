package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// resumeSeq reads the last sequence number a client has seen, from the
// Last-Event-ID header or the after query parameter.
func resumeSeq(c echo.Context) (uint64, error) {
	raw := strings.TrimSpace(c.Request().Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(c.QueryParam("after"))
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid event id")
	}
	return seq, nil
}

// archived returns the stored events of a session the bus no longer holds.
func (s *Server) archived(c echo.Context, id string, after uint64) ([]progress.Event, error) {
	ctx := c.Request().Context()
	switch {
	case s.history != nil:
		if _, _, err := s.history.GetSession(ctx, id); err != nil {
			return nil, httpError(err)
		}
		return s.history.Events(ctx, id, after)
	case s.replay != nil:
		evs, err := s.replay.Replay(ctx, id, after)
		if err != nil {
			return nil, httpError(err)
		}
		if len(evs) == 0 && after == 0 {
			return nil, echo.NewHTTPError(http.StatusNotFound, "unknown session")
		}
		return evs, nil
	}
	return nil, echo.NewHTTPError(http.StatusNotFound, "unknown session")
}

// streamEvents serves the session's progress as Server-Sent Events. A client
// reconnecting with Last-Event-ID receives only what it missed.
//
//	@Summary	Research progress stream
//	@Tags		research
//	@Param		id	path	string	true	"Session ID"
//	@Produce	text/event-stream
//	@Success	200	{string}	string
//	@Router		/api/research/{id}/events [get]
func (s *Server) streamEvents(c echo.Context) error {
	id := c.Param("id")
	after, err := resumeSeq(c)
	if err != nil {
		return err
	}
	var (
		sub     *progress.Subscription
		backlog []progress.Event
	)
	sub, err = s.bus.SubscribeFrom(id, after)
	if errors.Is(err, progress.ErrUnknownSession) {
		if backlog, err = s.archived(c, id, after); err != nil {
			return err
		}
	} else if err != nil {
		return httpError(err)
	}
	if sub != nil {
		defer sub.Close()
	}

	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(ev progress.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, ev := range backlog {
		if err := write(ev); err != nil {
			return nil
		}
	}
	if sub == nil {
		return nil
	}

	ctx := c.Request().Context()
	keepalive := time.NewTicker(s.ping)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := fmt.Fprint(resp, ": ping\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := write(ev); err != nil {
				s.log.Debug("sse client gone", zap.String("session", id), zap.Error(err))
				return nil
			}
			if ev.Kind.Terminal() {
				return nil
			}
		}
	}
}

// streamWebSocket pushes the same events as JSON text frames.
func (s *Server) streamWebSocket(c echo.Context) error {
	id := c.Param("id")
	after, err := resumeSeq(c)
	if err != nil {
		return err
	}
	var (
		sub     *progress.Subscription
		backlog []progress.Event
	)
	sub, err = s.bus.SubscribeFrom(id, after)
	if errors.Is(err, progress.ErrUnknownSession) {
		if backlog, err = s.archived(c, id, after); err != nil {
			return err
		}
	} else if err != nil {
		return httpError(err)
	}
	if sub != nil {
		defer sub.Close()
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.String("session", id), zap.Error(err))
		return nil
	}
	defer conn.Close()

	// The reader only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(ev progress.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	}
	closeConn := func() {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
		select {
		case <-gone:
		case <-time.After(time.Second):
		}
	}

	for _, ev := range backlog {
		if err := write(ev); err != nil {
			return nil
		}
	}
	if sub == nil {
		closeConn()
		return nil
	}

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return nil
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case ev, ok := <-sub.C():
			if !ok {
				closeConn()
				return nil
			}
			if err := write(ev); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("websocket write failed", zap.String("session", id), zap.Error(err))
				}
				return nil
			}
			if ev.Kind.Terminal() {
				closeConn()
				return nil
			}
		}
	}
}
