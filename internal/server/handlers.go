package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/oauth"
	"github.com/fanforge/socialcore/internal/webhook"
)

// signatureHeader carries the webhook HMAC, "sha256=<hex>" over the raw body.
const signatureHeader = "X-Hub-Signature-256"

// maxWebhookBody bounds webhook payloads. Platform payloads are small; a
// larger body is either a misconfigured sender or abuse.
const maxWebhookBody = 1 << 20

// handleOAuthCallback completes the authorization-code flow. The platform
// redirects the user's browser here; identity comes from the single-use state
// token, not from a bearer token.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if _, err := domain.ParseProvider(chi.URLParam(r, "provider")); err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown provider")
		return
	}

	q := r.URL.Query()
	acct, err := s.accounts.CompleteConnect(r.Context(), q.Get("state"), q.Get("code"), q.Get("error"), q.Get("error_description"))
	if err != nil {
		var provErr *oauth.ProviderError
		switch {
		case errors.Is(err, oauth.ErrDenied):
			writeJSONError(w, http.StatusForbidden, "authorization denied")
		case errors.Is(err, oauth.ErrStateInvalid):
			writeJSONError(w, http.StatusBadRequest, "invalid or expired state")
		case errors.As(err, &provErr) && !provErr.Transient:
			// The platform rejected the grant for good. Retrying the same
			// callback cannot succeed, so tell the client what the platform
			// said instead of hiding it behind a gateway error.
			writeJSONError(w, http.StatusUnprocessableEntity, "authorization failed: "+provErr.Code)
		default:
			log.Error().Err(err).Msg("oauth callback failed")
			writeJSONError(w, http.StatusBadGateway, "authorization could not be completed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": acct.ID,
		"provider":   acct.Provider,
		"status":     acct.Status,
	})
}

// handleWebhook accepts a platform delivery. The event is durably enqueued
// before the 200 goes out; processing happens asynchronously.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider, err := domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	_, err = s.ingress.Ingest(r.Context(), provider, body, r.Header.Get(signatureHeader))
	if err != nil {
		var sigErr *webhook.SignatureError
		switch {
		case errors.As(err, &sigErr):
			writeJSONError(w, http.StatusUnauthorized, "signature verification failed")
		case errors.Is(err, webhook.ErrMalformedPayload):
			writeJSONError(w, http.StatusBadRequest, "malformed payload")
		default:
			log.Error().Err(err).Str("provider", string(provider)).Msg("webhook ingest failed")
			writeJSONError(w, http.StatusInternalServerError, "ingest failed")
		}
		return
	}

	// Duplicates also get a 200 so platforms stop redelivering.
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
