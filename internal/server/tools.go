package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/researcher/internal/tools"
)

func (s *Server) listTools(c echo.Context) error {
	ds := s.orch.Tools()
	if ds == nil {
		ds = []tools.Descriptor{}
	}
	return c.JSON(http.StatusOK, map[string]any{"tools": ds})
}
