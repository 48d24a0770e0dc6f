package stock_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/foodstock/internal/shared"
	"github.com/odyssey-erp/foodstock/internal/stock"
)

func newTestRouter(f *fixture, strict bool) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-Test-Anonymous") == "" {
				req = req.WithContext(shared.ContextWithOwner(req.Context(), owner))
			}
			next.ServeHTTP(w, req)
		})
	})
	stock.NewHandler(slog.New(slog.DiscardHandler), f.core, strict).MountRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAllocateReportsShortfall(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	h := newTestRouter(f, false)

	rec := doJSON(t, h, http.MethodPost, "/allocations", map[string]any{
		"name":     "Flour",
		"unit":     "KG",
		"quantity": "20",
		"event":    map[string]any{"kind": "production", "id": 77},
	}, "Idempotency-Key", "9a3e0d5c-2f7b-4c1e-8a44-6b2c7d1e0f99")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		TotalDeducted string `json:"total_deducted"`
		Shortfall     string `json:"shortfall"`
		Partial       bool   `json:"partial"`
		Message       string `json:"message"`
		Lines         []struct {
			SourceID int64  `json:"source_id"`
			Quantity string `json:"quantity"`
		} `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "15", resp.TotalDeducted)
	require.Equal(t, "5", resp.Shortfall)
	require.True(t, resp.Partial)
	require.Equal(t, "shortfall of 5 kg for ingredient flour", resp.Message)
	require.Len(t, resp.Lines, 2)

	rec = doJSON(t, h, http.MethodPost, "/allocations", map[string]any{
		"name": "Flour", "unit": "kg", "quantity": "1",
		"event": map[string]any{"kind": "production", "id": 77},
	}, "Idempotency-Key", "9a3e0d5c-2f7b-4c1e-8a44-6b2c7d1e0f99")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerStrictDefault(t *testing.T) {
	f := newFixture(t)
	f.seedFlour(t)
	h := newTestRouter(f, true)

	rec := doJSON(t, h, http.MethodPost, "/allocations", map[string]any{
		"name": "flour", "unit": "kg", "quantity": "20",
		"event": map[string]any{"kind": "production", "id": 1},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/allocations", map[string]any{
		"name": "flour", "unit": "kg", "quantity": "20", "strict": false,
		"event": map[string]any{"kind": "production", "id": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerValidation(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f, false)

	rec := doJSON(t, h, http.MethodPost, "/allocations", map[string]any{
		"name": "flour", "unit": "kg", "quantity": "1",
		"event": map[string]any{"kind": "party", "id": 1},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/allocations", map[string]any{
		"name": "flour", "unit": "kg", "quantity": "1",
		"event": map[string]any{"kind": "manual", "id": 1},
	}, "Idempotency-Key", "not-a-uuid")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/snapshot", nil, "X-Test-Anonymous", "1")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/aggregates/widgets", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerLotLifecycleAndReversal(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f, false)

	rec := doJSON(t, h, http.MethodPost, "/lots", map[string]any{
		"name": "Butter", "unit": "kg", "quantity": "4", "external_code": "BT-1",
		"received_date": "2024-03-01", "expiry_date": "2024-04-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var lot struct {
		ID           int64  `json:"id"`
		Key          string `json:"key"`
		RemainingQty string `json:"remaining_qty"`
		ExpiryDate   string `json:"expiry_date"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lot))
	require.Equal(t, "butter/kg", lot.Key)
	require.Equal(t, "2024-04-01", lot.ExpiryDate)

	rec = doJSON(t, h, http.MethodPost, "/allocations", map[string]any{
		"name": "butter", "unit": "kg", "quantity": "1.5",
		"event": map[string]any{"kind": "manual", "id": 5},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":"1.5"`)

	rec = doJSON(t, h, http.MethodPost, "/reversals", map[string]any{"event": map[string]any{"kind": "manual", "id": 5}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/totals/ingredients", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var totals map[string]struct {
		TotalOnHand string `json:"total_on_hand"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &totals))
	require.Equal(t, "4", totals["butter/kg"].TotalOnHand)

	rec = doJSON(t, h, http.MethodPost, "/reversals", map[string]any{"event": map[string]any{"kind": "manual", "id": 5}})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/lots/1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/lots/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"deleted":true`)

	rec = doJSON(t, h, http.MethodGet, "/aggregates/ingredient", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total_on_hand":"0"`)
}
