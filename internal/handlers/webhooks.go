package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/kareempjackson/undr-api-sub001/internal/httputil"
	"github.com/kareempjackson/undr-api-sub001/internal/logger"
	"github.com/kareempjackson/undr-api-sub001/internal/webhook"
)

const WebhookSecretHeader = "X-Webhook-Secret"

// PaymentWebhookHandler accepts processor notifications. Signature verification
// happens at the edge; here the shared secret is checked. Malformed events are
// acknowledged so the processor stops redelivering them.
func (h *Handlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(WebhookSecretHeader)
	if h.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var ev webhook.Event
	// Processor payloads carry more fields than Event names, so unknown ones are allowed.
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&ev); err != nil {
		logger.Log.Warn("undecodable webhook body", zap.Error(err))
		httputil.WriteJSON(w, http.StatusOK, webhook.Result{Outcome: webhook.OutcomeIgnored})
		return
	}

	res, err := h.Webhooks.Handle(r.Context(), ev)
	switch {
	case errors.Is(err, webhook.ErrMalformedEvent):
		logger.Log.Warn("malformed webhook event", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
		httputil.WriteJSON(w, http.StatusOK, webhook.Result{Outcome: webhook.OutcomeIgnored})
	case err != nil:
		httputil.WriteError(w, http.StatusInternalServerError, "webhook processing failed")
	default:
		httputil.WriteJSON(w, http.StatusOK, res)
	}
}
