package ledger

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const codeUnknownCredential = "unknown_credential"

// NewHTTPHandler exposes a Memory ledger over HTTP using the wire format
// HTTPClient speaks. When apiKey is set every call must carry it as a
// bearer token.
func NewHTTPHandler(m *Memory, apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if apiKey != "" {
		r.Use(requireAPIKey(apiKey))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/v1", func(api chi.Router) {
		api.Post("/requests", func(w http.ResponseWriter, r *http.Request) {
			var body startRequestBody
			if !decodeBody(w, r, &body) {
				return
			}
			result, err := m.StartRequest(r.Context(), body.ResourceID, body.Credential, body.LogicalID, body.Method)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		})

		api.Post("/requests/{requestID}/redeem", func(w http.ResponseWriter, r *http.Request) {
			var body redeemBody
			if !decodeBody(w, r, &body) {
				return
			}
			receipt, err := m.Redeem(r.Context(), pathParam(r, "requestID"), body.Credential, body.Credits)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, receipt)
		})

		api.Post("/permissions/verify", func(w http.ResponseWriter, r *http.Request) {
			var req SettleRequest
			if !decodeBody(w, r, &req) {
				return
			}
			m.mu.Lock()
			m.calls.VerifyAndSettle++
			failure := m.takeFailure(OpVerifyAndSettle)
			m.mu.Unlock()
			if failure != nil {
				writeError(w, failure)
				return
			}
			if err := m.Verify(r.Context(), req); err != nil {
				writeJSON(w, http.StatusOK, verifyResponse{Valid: false, Message: err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, verifyResponse{Valid: true})
		})

		api.Post("/permissions/settle", func(w http.ResponseWriter, r *http.Request) {
			var req SettleRequest
			if !decodeBody(w, r, &req) {
				return
			}
			receipt, err := m.Settle(r.Context(), req)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, receipt)
		})

		api.Post("/batches/flush", func(w http.ResponseWriter, r *http.Request) {
			_ = m.Flush(r.Context())
			writeJSON(w, http.StatusOK, map[string]any{"flushed": m.Flushed()})
		})

		api.Get("/resources/{resourceID}/grants", func(w http.ResponseWriter, r *http.Request) {
			grants, err := m.ListAlternativeGrants(r.Context(), pathParam(r, "resourceID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, grantsResponse{Grants: grants})
		})
	})

	return r
}

func requireAPIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" && r.Header.Get("Authorization") != "Bearer "+apiKey {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: ErrUnauthorized.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorResponse{Error: err.Error()}
	switch {
	case errors.Is(err, ErrUnknownCredential):
		status = http.StatusUnauthorized
		body.Code = codeUnknownCredential
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, ErrVerificationFailed):
		status = http.StatusForbidden
	case errors.Is(err, ErrUnknownRequest):
		status = http.StatusNotFound
	case errors.Is(err, ErrRequestAlreadyRedeemed):
		status = http.StatusConflict
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
