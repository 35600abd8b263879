package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	appMiddleware "github.com/markdave123-py/chatrelay/internal/api/middlewares"
	"github.com/markdave123-py/chatrelay/internal/core"
	"github.com/markdave123-py/chatrelay/internal/services"
)

const maxWebhookBytes = 64 << 10

type BillingHandler struct {
	payments      *services.PaymentService
	webhookSecret string
	logger        *slog.Logger
}

func NewBillingHandler(payments *services.PaymentService, webhookSecret string, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{payments: payments, webhookSecret: webhookSecret, logger: logger}
}

// StripeWebhook verifies the signature and turns the handful of events the
// gate cares about into payment signals. Everything else is acknowledged
// and ignored.
func (h *BillingHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("stripe signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	guestID, signal, ok := h.signalFor(event)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	if guestID == "" {
		h.logger.Warn("stripe event without guest_id", "event_id", event.ID, "type", event.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.payments.Mark(r.Context(), guestID, signal); err != nil {
		h.logger.Error("record payment signal", "error", err, "guest_id", guestID)
		http.Error(w, "could not record signal", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *BillingHandler) signalFor(event stripe.Event) (string, core.PaymentSignal, bool) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			h.logger.Warn("decode checkout session", "error", err)
			return "", "", false
		}
		guestID := cs.Metadata["guest_id"]
		if guestID == "" {
			guestID = cs.ClientReferenceID
		}
		return guestID, core.SignalPaymentConfirmed, true
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			h.logger.Warn("decode payment intent", "error", err)
			return "", "", false
		}
		signal := core.SignalPaymentConfirmed
		if event.Type == stripe.EventTypePaymentIntentPaymentFailed {
			signal = core.SignalPaymentError
		}
		return pi.Metadata["guest_id"], signal, true
	default:
		return "", "", false
	}
}

// PaymentStatus answers the gate projection for the calling guest.
func (h *BillingHandler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := appMiddleware.OwnerFromContext(r.Context())
	guestID := chi.URLParam(r, "id")
	if !ok || owner.GuestID != guestID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	st, err := h.payments.Status(r.Context(), guestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ReportReady is called by the report pipeline once a guest's report exists.
func (h *BillingHandler) ReportReady(w http.ResponseWriter, r *http.Request) {
	if err := h.payments.Mark(r.Context(), chi.URLParam(r, "id"), core.SignalReportReady); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
