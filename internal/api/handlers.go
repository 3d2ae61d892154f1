// Package api exposes the refund workflow over HTTP. The storefront and the
// admin portal are external callers of these endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/onchaincommerce/refund-demo/internal/chain"
	"github.com/onchaincommerce/refund-demo/internal/commerce"
	"github.com/onchaincommerce/refund-demo/internal/listing"
	"github.com/onchaincommerce/refund-demo/internal/logging"
	"github.com/onchaincommerce/refund-demo/internal/model"
	"github.com/onchaincommerce/refund-demo/internal/refund"
	"github.com/onchaincommerce/refund-demo/internal/tracker"
	"github.com/onchaincommerce/refund-demo/internal/webhook"
)

var (
	webhookUnauthorizedCounter = metrics.GetOrCreateCounter(`webhook_requests_total{result="unauthorized"}`)
	webhookAcceptedCounter     = metrics.GetOrCreateCounter(`webhook_requests_total{result="accepted"}`)

	pollSuccessCounter = metrics.GetOrCreateCounter(`poll_total{result="success"}`)
	pollWaitingCounter = metrics.GetOrCreateCounter(`poll_total{result="waiting"}`)
)

type Handlers struct {
	secret    string
	pending   *tracker.PendingSet
	receiver  *webhook.Receiver
	collector *listing.Collector
	engine    *refund.Engine
	logger    *slog.Logger
}

func NewHandlers(secret string, pending *tracker.PendingSet, receiver *webhook.Receiver, collector *listing.Collector, engine *refund.Engine, logger *slog.Logger) *Handlers {
	return &Handlers{
		secret:    secret,
		pending:   pending,
		receiver:  receiver,
		collector: collector,
		engine:    engine,
		logger:    logger,
	}
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/webhook", h.Webhook)
	mux.HandleFunc("GET /api/webhook", h.WebhookHistory)
	mux.HandleFunc("GET /api/payment-status/{chargeId}", h.PaymentStatus)
	mux.HandleFunc("GET /api/charges", h.Charges)
	mux.HandleFunc("POST /api/refund", h.Refund)
	mux.HandleFunc("POST /api/refund/request", h.RefundRequest)
	mux.HandleFunc("POST /api/test/payment", h.TestPayment)
	mux.HandleFunc("GET /api/debug/webhook", h.DebugWebhook)
}

// Webhook verifies the provider signature over the raw body before any
// parsing, then hands the envelope to the receiver. Signature failures are
// 401; everything after a valid signature answers 200 so the provider does
// not retry-storm us over secondary failures.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := logging.AppendCtx(r.Context(), slog.String("requestId", uuid.New().String()))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.ErrorContext(ctx, "Error reading webhook body", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process webhook")
		return
	}

	signature := r.Header.Get(webhook.SignatureHeader)
	if signature == "" {
		h.logger.WarnContext(ctx, "Webhook without signature")
		webhookUnauthorizedCounter.Inc()
		writeError(w, http.StatusUnauthorized, "No signature provided")
		return
	}

	if !webhook.VerifySignature(body, signature, h.secret) {
		h.logger.WarnContext(ctx, "Webhook with invalid signature")
		webhookUnauthorizedCounter.Inc()
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var envelope model.WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.logger.ErrorContext(ctx, "Error parsing webhook body", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process webhook")
		return
	}

	h.receiver.Process(ctx, envelope.Event)
	webhookAcceptedCounter.Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Webhook processed successfully: %s", envelope.Event.Type),
	})
}

// WebhookHistory lists recently received events. Diagnostic only.
func (h *Handlers) WebhookHistory(w http.ResponseWriter, r *http.Request) {
	recent := h.receiver.Recent()
	writeJSON(w, http.StatusOK, map[string]any{
		"recentEvents":   recent,
		"totalProcessed": len(recent),
	})
}

// PaymentStatus answers whether a charge's payment has been detected.
// Observing success consumes the tracker entry, so the triggering client
// sees it exactly once.
func (h *Handlers) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	chargeID := r.PathValue("chargeId")
	if chargeID == "" {
		writeError(w, http.StatusBadRequest, "Missing charge ID")
		return
	}

	if h.pending.Consume(chargeID) {
		pollSuccessCounter.Inc()
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "Payment has been processed successfully",
		})
		return
	}

	pollWaitingCounter.Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "waiting",
		"message": "Payment has not been processed yet",
	})
}

// Charges returns the merchant-facing charge listing, newest first.
func (h *Handlers) Charges(w http.ResponseWriter, r *http.Request) {
	charges, err := h.collector.Collect(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Error fetching charges", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch charges")
		return
	}

	if charges == nil {
		charges = []model.Charge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": charges})
}

type refundRequest struct {
	ChargeID string `json:"chargeId"`
}

// Refund executes a merchant-initiated refund for a charge.
func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	ctx := logging.AppendCtx(r.Context(), slog.String("requestId", uuid.New().String()))

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChargeID == "" {
		writeError(w, http.StatusBadRequest, "Missing charge ID")
		return
	}

	ctx = logging.AppendCtx(ctx, slog.String("chargeId", req.ChargeID))
	h.logger.InfoContext(ctx, "Processing refund")

	result, err := h.engine.Refund(ctx, req.ChargeID)
	if err != nil {
		h.writeRefundError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"message":         "Refund processed successfully",
		"transactionHash": result.TxHash,
	})
}

type refundRequestRequest struct {
	ChargeID        string `json:"chargeId"`
	CustomerAddress string `json:"customerAddress"`
}

// RefundRequest is the customer-initiated flow: flags the charge, moves no
// funds.
func (h *Handlers) RefundRequest(w http.ResponseWriter, r *http.Request) {
	ctx := logging.AppendCtx(r.Context(), slog.String("requestId", uuid.New().String()))

	var req refundRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChargeID == "" || req.CustomerAddress == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}

	charge, err := h.engine.RequestRefund(ctx, req.ChargeID, req.CustomerAddress)
	if err != nil {
		h.writeRefundError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Refund request submitted",
		"charge":  charge,
	})
}

func (h *Handlers) writeRefundError(ctx context.Context, w http.ResponseWriter, err error) {
	var conversionErr *chain.ConversionError
	var txErr *chain.TransactionError

	switch {
	case errors.Is(err, commerce.ErrNotFound):
		writeError(w, http.StatusNotFound, "Failed to fetch charge")
	case errors.Is(err, refund.ErrAlreadyRefunded):
		writeError(w, http.StatusBadRequest, "Charge already refunded")
	case errors.Is(err, refund.ErrAlreadyRequested):
		writeError(w, http.StatusBadRequest, "Refund already requested")
	case errors.Is(err, refund.ErrInvalidPayment):
		writeError(w, http.StatusBadRequest, "Invalid payment data")
	case errors.Is(err, refund.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, "Invalid customer address")
	case errors.As(err, &conversionErr):
		writeError(w, http.StatusBadRequest, conversionErr.Error())
	case errors.As(err, &txErr):
		h.logger.ErrorContext(ctx, "Refund transaction failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process refund transaction. Please check merchant wallet balance and network status.")
	default:
		h.logger.ErrorContext(ctx, "Error processing refund", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process refund")
	}
}

type testPaymentRequest struct {
	ChargeID string `json:"chargeId"`
}

// TestPayment registers a synthetic pending payment so the poll flow can be
// exercised without the provider. Testing aid only.
func (h *Handlers) TestPayment(w http.ResponseWriter, r *http.Request) {
	var req testPaymentRequest
	// Body is optional here.
	json.NewDecoder(r.Body).Decode(&req)

	chargeID := req.ChargeID
	if chargeID == "" {
		chargeID = fmt.Sprintf("test-payment-%d", time.Now().UnixMilli())
	}

	h.pending.Add(chargeID)
	h.logger.InfoContext(r.Context(), "Test payment created", "chargeId", chargeID)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"chargeId": chargeID,
		"message":  "Test payment created. Poll the /api/payment-status/{chargeId} endpoint to detect it.",
	})
}

// DebugWebhook reports the last pending charge id, to check whether
// webhooks are arriving at all.
func (h *Handlers) DebugWebhook(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"lastChargeId": h.pending.LastChargeID(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
