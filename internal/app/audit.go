package app

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/odyssey-erp/foodstock/internal/platform/httpx"
	"github.com/odyssey-erp/foodstock/internal/shared"
)

// AuditReader lists recorded stock mutations of an owner.
type AuditReader interface {
	Recent(ctx context.Context, ownerID int64, limit int) ([]shared.AuditLog, error)
}

func auditTrail(reader AuditReader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := shared.OwnerFromContext(r.Context())
		if !ok {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", "limit must be a positive integer")
				return
			}
			limit = n
		}
		entries, err := reader.Recent(r.Context(), ownerID, limit)
		if err != nil {
			logger.Error("list audit trail", slog.Int64("owner_id", ownerID), slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
			return
		}
		if entries == nil {
			entries = []shared.AuditLog{}
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}
