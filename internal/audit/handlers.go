package audit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/stdcontext"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// RegisterRoutes mounts the read-only audit API. The listing is always
// bounded to the tenant of the established scope, so a caller can never
// page through another tenant's trail.
func RegisterRoutes(e *echo.Echo, q Querier) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/audit/events", listEvents(q))
}

func listEvents(q Querier) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		sc := stdcontext.FromOrDefault(ctx)
		limit, offset := pagination(c)

		var (
			entries []AuditEntry
			err     error
		)
		if aggregateID := c.QueryParam("aggregate_id"); aggregateID != "" {
			entries, err = q.ListAuditEntriesByAggregate(ctx, ListAuditEntriesByAggregateParams{
				TenantID:    sc.TenantID,
				AggregateID: aggregateID,
				Limit:       limit,
				Offset:      offset,
			})
		} else {
			entries, err = q.ListAuditEntries(ctx, ListAuditEntriesParams{
				TenantID: sc.TenantID,
				Limit:    limit,
				Offset:   offset,
			})
		}
		if err != nil {
			stdcontext.Logger(ctx).Error("listing audit entries failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list audit events"})
		}
		if entries == nil {
			entries = []AuditEntry{}
		}

		return c.JSON(http.StatusOK, map[string]any{
			"data":   entries,
			"limit":  limit,
			"offset": offset,
			"count":  len(entries),
		})
	}
}

func pagination(c echo.Context) (int32, int32) {
	limit := int32(defaultLimit)
	if raw := c.QueryParam("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			if v > maxLimit {
				v = maxLimit
			}
			limit = int32(v)
		}
	}
	var offset int32
	if raw := c.QueryParam("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			offset = int32(v)
		}
	}
	return limit, offset
}
