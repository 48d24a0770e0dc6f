package production

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodstock/internal/platform/httpx"
	"github.com/odyssey-erp/foodstock/internal/shared"
	"github.com/odyssey-erp/foodstock/internal/stock"
)

// Handler exposes recipes, production runs and shipments over JSON.
type Handler struct {
	logger        *slog.Logger
	service       *Service
	validator     *validator.Validate
	strictDefault bool
}

// NewHandler constructs the production handler.
func NewHandler(logger *slog.Logger, service *Service, strictDefault bool) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New(), strictDefault: strictDefault}
}

// MountRoutes registers production routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/recipes", func(r chi.Router) {
		r.Get("/", h.listRecipes)
		r.Post("/", h.createRecipe)
		r.Get("/{id}", h.getRecipe)
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.listRuns)
		r.Post("/", h.recordRun)
		r.Patch("/{id}", h.editRun)
		r.Delete("/{id}", h.deleteRun)
	})
	r.Route("/shipments", func(r chi.Router) {
		r.Post("/", h.recordShipment)
		r.Delete("/{id}", h.deleteShipment)
	})
}

type recipeLineRequest struct {
	Name             string          `json:"name" validate:"required,max=200"`
	Unit             string          `json:"unit" validate:"required,max=40"`
	QuantityPerBatch decimal.Decimal `json:"quantity_per_batch"`
}

type recipeRequest struct {
	Name          string              `json:"name" validate:"required,max=200"`
	Unit          string              `json:"unit" validate:"required,max=40"`
	UnitsPerBatch decimal.Decimal     `json:"units_per_batch"`
	Lines         []recipeLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type runRequest struct {
	RecipeID   int64           `json:"recipe_id" validate:"required,gt=0"`
	BatchCount decimal.Decimal `json:"batch_count"`
	Waste      decimal.Decimal `json:"waste"`
	ProducedAt *time.Time      `json:"produced_at"`
	Strict     *bool           `json:"strict"`
}

type runPatchRequest struct {
	Waste      *decimal.Decimal `json:"waste"`
	Remaining  *decimal.Decimal `json:"remaining"`
	ProducedAt *time.Time       `json:"produced_at"`
}

type shipmentRequest struct {
	RecipeID  int64           `json:"recipe_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	Reference string          `json:"reference" validate:"max=120"`
	ShippedAt *time.Time      `json:"shipped_at"`
	Strict    *bool           `json:"strict"`
}

func (h *Handler) createRecipe(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req recipeRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := RecipeInput{OwnerID: ownerID, Name: req.Name, Unit: req.Unit, UnitsPerBatch: req.UnitsPerBatch}
	for _, line := range req.Lines {
		in.Lines = append(in.Lines, RecipeLineInput{Name: line.Name, Unit: line.Unit, QuantityPerBatch: line.QuantityPerBatch})
	}
	recipe, err := h.service.CreateRecipe(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, recipe)
}

func (h *Handler) listRecipes(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	recipes, err := h.service.ListRecipes(r.Context(), ownerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": recipes})
}

func (h *Handler) getRecipe(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}
	recipe, err := h.service.GetRecipe(r.Context(), ownerID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, recipe)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	runs, err := h.service.ListRuns(r.Context(), ownerID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": runs})
}

func (h *Handler) recordRun(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	idemKey, err := shared.ParseIdempotencyKey(r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req runRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := RunInput{
		OwnerID:        ownerID,
		RecipeID:       req.RecipeID,
		BatchCount:     req.BatchCount,
		Waste:          req.Waste,
		Strict:         h.strict(req.Strict),
		IdempotencyKey: idemKey,
	}
	if req.ProducedAt != nil {
		in.ProducedAt = req.ProducedAt.UTC()
	}
	result, err := h.service.RecordRun(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) editRun(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}
	var req runPatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	run, err := h.service.EditRun(r.Context(), ownerID, id, RunEdit{Waste: req.Waste, Remaining: req.Remaining, ProducedAt: req.ProducedAt})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

func (h *Handler) deleteRun(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRun(r.Context(), ownerID, id, restoreParam(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordShipment(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	idemKey, err := shared.ParseIdempotencyKey(r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req shipmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := ShipmentInput{
		OwnerID:        ownerID,
		RecipeID:       req.RecipeID,
		Quantity:       req.Quantity,
		Reference:      req.Reference,
		Strict:         h.strict(req.Strict),
		IdempotencyKey: idemKey,
	}
	if req.ShippedAt != nil {
		in.ShippedAt = req.ShippedAt.UTC()
	}
	result, err := h.service.RecordShipment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) deleteShipment(w http.ResponseWriter, r *http.Request) {
	ownerID, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteShipment(r.Context(), ownerID, id, restoreParam(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func restoreParam(r *http.Request) bool {
	restore, _ := strconv.ParseBool(r.URL.Query().Get("restore"))
	return restore
}

func (h *Handler) strict(override *bool) bool {
	if override != nil {
		return *override
	}
	return h.strictDefault
}

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (int64, bool) {
	ownerID, ok := shared.OwnerFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrOwnerMissing.Error())
		return 0, false
	}
	return ownerID, true
}

func (h *Handler) ownerAndID(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return 0, 0, false
	}
	return ownerID, id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := httpx.DecodeJSON(r, dest); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(dest); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, title := problemFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("production request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, status, title, "")
		return
	}
	if status == http.StatusConflict && stock.IsRetriable(err) {
		w.Header().Set("Retry-After", "1")
	}
	httpx.Problem(w, status, title, err.Error())
}

func problemFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRecipe), errors.Is(err, ErrWasteExceedsOutput):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, ErrDuplicateRecipe):
		return http.StatusConflict, "Duplicate"
	case errors.Is(err, ErrInvalidRunEdit):
		return http.StatusUnprocessableEntity, "Invalid Run Edit"
	default:
		return stock.ProblemFor(err)
	}
}
