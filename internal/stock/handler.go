package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodstock/internal/platform/httpx"
	"github.com/odyssey-erp/foodstock/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler exposes the stock core over JSON.
type Handler struct {
	logger        *slog.Logger
	core          *Core
	validator     *validator.Validate
	strictDefault bool
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, core *Core, strictDefault bool) *Handler {
	return &Handler{logger: logger, core: core, validator: validator.New(), strictDefault: strictDefault}
}

// MountRoutes registers stock routes. Owner scope must already be in context.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/lots", func(r chi.Router) {
		r.Get("/", h.listLots)
		r.Post("/", h.createLot)
		r.Get("/{lotID}", h.getLot)
		r.Patch("/{lotID}", h.updateLot)
		r.Delete("/{lotID}", h.deleteLot)
	})
	r.Post("/allocations", h.allocate)
	r.Post("/reversals", h.reverse)
	r.Get("/usage", h.listUsage)
	r.Get("/totals/ingredients", h.ingredientTotals)
	r.Get("/totals/recipes", h.recipeTotals)
	r.Get("/snapshot", h.snapshot)
	r.Get("/aggregates/{kind}", h.aggregates)
	r.Post("/aggregates/{kind}/reconcile", h.reconcile)
}

type lotRequest struct {
	Name         string          `json:"name" validate:"required,max=200"`
	Unit         string          `json:"unit" validate:"required,max=40"`
	Quantity     decimal.Decimal `json:"quantity"`
	ExternalCode string          `json:"external_code" validate:"max=100"`
	ReceivedDate string          `json:"received_date" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate   string          `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
}

type lotPatchRequest struct {
	ReceivedQty  *decimal.Decimal `json:"received_qty"`
	ReceivedDate *string          `json:"received_date" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate   *string          `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	ExternalCode *string          `json:"external_code" validate:"omitempty,max=100"`
}

type eventRequest struct {
	Kind string `json:"kind" validate:"required,oneof=production shipment manual"`
	ID   int64  `json:"id" validate:"required,gt=0"`
}

func (e eventRequest) ref() EventRef {
	return EventRef{Kind: EventKind(e.Kind), ID: e.ID}
}

type allocateRequest struct {
	Name     string          `json:"name" validate:"required,max=200"`
	Unit     string          `json:"unit" validate:"required,max=40"`
	Quantity decimal.Decimal `json:"quantity"`
	Source   string          `json:"source" validate:"omitempty,oneof=lot batch"`
	Event    eventRequest    `json:"event"`
	Strict   *bool           `json:"strict"`
}

type allocateResponse struct {
	AllocationResult
	Partial bool   `json:"partial"`
	Message string `json:"message,omitempty"`
}

type reverseRequest struct {
	Event eventRequest `json:"event"`
}

type lotResponse struct {
	ID           int64           `json:"id"`
	Key          IngredientKey   `json:"key"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	ReceivedQty  decimal.Decimal `json:"received_qty"`
	RemainingQty decimal.Decimal `json:"remaining_qty"`
	ReceivedDate string          `json:"received_date"`
	ExpiryDate   string          `json:"expiry_date,omitempty"`
	ExternalCode string          `json:"external_code,omitempty"`
	Deleted      bool            `json:"deleted"`
}

func toLotResponse(l Lot) lotResponse {
	resp := lotResponse{
		ID:           l.ID,
		Key:          l.Key,
		Name:         l.Name,
		Unit:         l.Unit,
		ReceivedQty:  l.ReceivedQty,
		RemainingQty: l.RemainingQty,
		ReceivedDate: l.ReceivedDate.Format(dateLayout),
		ExternalCode: l.ExternalCode,
		Deleted:      !l.Active(),
	}
	if l.ExpiryDate != nil {
		resp.ExpiryDate = l.ExpiryDate.Format(dateLayout)
	}
	return resp
}

func (h *Handler) createLot(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req lotRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := LotInput{
		OwnerID:      ownerID,
		Name:         req.Name,
		Unit:         req.Unit,
		Quantity:     req.Quantity,
		ExternalCode: req.ExternalCode,
	}
	if req.ReceivedDate != "" {
		in.ReceivedDate, _ = time.Parse(dateLayout, req.ReceivedDate)
	}
	if req.ExpiryDate != "" {
		expiry, _ := time.Parse(dateLayout, req.ExpiryDate)
		in.ExpiryDate = &expiry
	}
	lot, err := h.core.Ledger.CreateLot(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLotResponse(lot))
}

func (h *Handler) listLots(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	key, err := NormalizeKey(r.URL.Query().Get("name"), r.URL.Query().Get("unit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	lots, err := h.core.Ledger.ListActiveLots(r.Context(), ownerID, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]lotResponse, 0, len(lots))
	for _, lot := range lots {
		out = append(out, toLotResponse(lot))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"key": key, "lots": out, "available": Available(lotSources(lots))})
}

func (h *Handler) getLot(w http.ResponseWriter, r *http.Request) {
	ownerID, lotID, ok := h.ownerAndLot(w, r)
	if !ok {
		return
	}
	lot, err := h.core.Ledger.GetLot(r.Context(), ownerID, lotID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotResponse(lot))
}

func (h *Handler) updateLot(w http.ResponseWriter, r *http.Request) {
	ownerID, lotID, ok := h.ownerAndLot(w, r)
	if !ok {
		return
	}
	var req lotPatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	upd := LotUpdate{ReceivedQty: req.ReceivedQty, ExternalCode: req.ExternalCode}
	if req.ReceivedDate != nil {
		d, _ := time.Parse(dateLayout, *req.ReceivedDate)
		upd.ReceivedDate = &d
	}
	if req.ExpiryDate != nil {
		d, _ := time.Parse(dateLayout, *req.ExpiryDate)
		upd.ExpiryDate = &d
	}
	lot, err := h.core.Ledger.UpdateLot(r.Context(), ownerID, lotID, upd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLotResponse(lot))
}

func (h *Handler) deleteLot(w http.ResponseWriter, r *http.Request) {
	ownerID, lotID, ok := h.ownerAndLot(w, r)
	if !ok {
		return
	}
	if err := h.core.Ledger.SoftDeleteLot(r.Context(), ownerID, lotID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	idemKey, err := shared.ParseIdempotencyKey(r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req allocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, err := NormalizeKey(req.Name, req.Unit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	strict := h.strictDefault
	if req.Strict != nil {
		strict = *req.Strict
	}
	in := AllocateInput{
		OwnerID:        ownerID,
		Key:            key,
		Quantity:       req.Quantity,
		Event:          req.Event.ref(),
		Strict:         strict,
		IdempotencyKey: idemKey,
	}
	var result AllocationResult
	if SourceKind(req.Source) == SourceBatch {
		result, err = h.core.Allocator.AllocateBatches(r.Context(), in)
	} else {
		result, err = h.core.Allocator.Allocate(r.Context(), in)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, allocateResponse{AllocationResult: result, Partial: result.Partial(), Message: result.ShortfallMessage()})
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req reverseRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.core.Usage.ReverseUsage(r.Context(), ownerID, req.Event.ref())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type usageLineResponse struct {
	ID          int64            `json:"id"`
	SourceKind  SourceKind       `json:"source_kind"`
	SourceID    int64            `json:"source_id"`
	SourceKey   IngredientKey    `json:"source_key"`
	SourceLabel string           `json:"source_label,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity"`
}

type usageGroupResponse struct {
	Event    EventRef            `json:"event"`
	EventKey IngredientKey       `json:"event_key,omitempty"`
	Total    decimal.Decimal     `json:"total"`
	Lines    []usageLineResponse `json:"lines"`
}

func (h *Handler) listUsage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	page, perPage := shared.PageFromQuery(r.URL.Query())
	var groups []usageGroupResponse
	for group, err := range h.core.Usage.ListUsageForOwner(r.Context(), ownerID) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp := usageGroupResponse{Event: group.Event, EventKey: group.EventKey, Total: group.Total}
		for _, line := range group.Lines {
			l := usageLineResponse{ID: line.ID, SourceKind: line.SourceKind, SourceID: line.SourceID, SourceKey: line.SourceKey, SourceLabel: line.SourceLabel}
			if line.Quantity.Valid {
				q := line.Quantity.Decimal
				l.Quantity = &q
			}
			resp.Lines = append(resp.Lines, l)
		}
		groups = append(groups, resp)
	}
	pg := shared.NewPagination(page, perPage, len(groups))
	start := min(pg.Offset(), len(groups))
	end := min(start+pg.PerPage, len(groups))
	httpx.JSON(w, http.StatusOK, map[string]any{"pagination": pg, "events": groups[start:end]})
}

func (h *Handler) ingredientTotals(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	totals, err := h.core.Aggregator.ComputeIngredientTotals(r.Context(), ownerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, totals)
}

func (h *Handler) recipeTotals(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	totals, err := h.core.Aggregator.ComputeRecipeTotals(r.Context(), ownerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, totals)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	snap, err := h.core.Aggregator.Snapshot(r.Context(), ownerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) aggregates(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	rows, err := h.core.Store.ListAggregates(r.Context(), ownerID, kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"key":           row.Key,
			"name":          row.Name,
			"unit":          row.Unit,
			"total_on_hand": row.TotalOnHand,
			"lot_id":        row.LotID,
			"external_code": row.ExternalCode,
			"updated_at":    row.UpdatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	if err := h.core.Reconciler.Reconcile(r.Context(), ownerID, kind); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) kind(w http.ResponseWriter, r *http.Request) (AggregateKind, bool) {
	kind := AggregateKind(chi.URLParam(r, "kind"))
	if kind != AggregateIngredient && kind != AggregateRecipe {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("unknown aggregate kind %q", kind))
		return "", false
	}
	return kind, true
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (int64, bool) {
	ownerID, ok := shared.OwnerFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrOwnerMissing.Error())
		return 0, false
	}
	return ownerID, true
}

func (h *Handler) ownerAndLot(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return 0, 0, false
	}
	lotID, err := strconv.ParseInt(chi.URLParam(r, "lotID"), 10, 64)
	if err != nil || lotID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid lot id")
		return 0, 0, false
	}
	return ownerID, lotID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := httpx.DecodeJSON(r, dest); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", verrs[0].Error())
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, title := ProblemFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("stock request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, status, title, "")
		return
	}
	if status == http.StatusConflict && IsRetriable(err) {
		w.Header().Set("Retry-After", "1")
	}
	httpx.Problem(w, status, title, err.Error())
}

// ProblemFor maps core errors onto an HTTP status and problem title.
func ProblemFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrOwnerRequired), errors.Is(err, shared.ErrOwnerMissing):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidKey), errors.Is(err, ErrEventRequired),
		errors.Is(err, shared.ErrInvalidIdempotencyKey), errors.Is(err, httpx.ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, ErrNotFound), errors.Is(err, httpx.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, ErrInsufficientStock):
		return http.StatusUnprocessableEntity, "Insufficient Stock"
	case errors.Is(err, ErrInvalidReversal):
		return http.StatusConflict, "Invalid Reversal"
	case errors.Is(err, ErrInvalidLotEdit):
		return http.StatusUnprocessableEntity, "Invalid Lot Edit"
	case errors.Is(err, ErrDuplicateLotCode), errors.Is(err, httpx.ErrDuplicate):
		return http.StatusConflict, "Duplicate"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return http.StatusConflict, "Already Processed"
	case errors.Is(err, ErrConcurrencyConflict):
		return http.StatusConflict, "Concurrent Modification"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timeout"
	case errors.Is(err, ErrReconciliation):
		return http.StatusServiceUnavailable, "Reconciliation Failed"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}
