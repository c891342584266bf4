package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ticketdesk/ticketdesk/internal/audit"
	"github.com/ticketdesk/ticketdesk/internal/logging"
)

type AdminHandler struct {
	Audit *audit.Indexer
}

// SearchAudit queries the audit trail index. Requires the token_family:read
// scope, enforced by the route middleware.
func (h *AdminHandler) SearchAudit(c echo.Context) error {
	ctx := c.Request().Context()

	query := c.QueryParam("q")
	from, _ := strconv.Atoi(c.QueryParam("from"))
	size, err := strconv.Atoi(c.QueryParam("size"))
	if err != nil || size <= 0 || size > 100 {
		size = 20
	}
	if from < 0 {
		from = 0
	}

	total, hits, err := h.Audit.Search(ctx, query, from, size)
	if err != nil {
		logging.FromContext(ctx).Error("audit_search_failed", "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "audit store unavailable")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total":  total,
		"from":   from,
		"size":   size,
		"events": hits,
	})
}
