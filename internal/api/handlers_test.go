package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/onchaincommerce/refund-demo/internal/api"
	"github.com/onchaincommerce/refund-demo/internal/events"
	"github.com/onchaincommerce/refund-demo/internal/listing"
	"github.com/onchaincommerce/refund-demo/internal/model"
	"github.com/onchaincommerce/refund-demo/internal/refund"
	"github.com/onchaincommerce/refund-demo/internal/tracker"
	"github.com/onchaincommerce/refund-demo/internal/webhook"
)

const testSecret = "test-webhook-secret"

// fakeCommerce backs the receiver, collector and engine in handler tests.
type fakeCommerce struct {
	charge  *model.Charge
	charges []model.Charge
}

func (f *fakeCommerce) GetCharge(ctx context.Context, chargeID string) (*model.Charge, error) {
	copied := *f.charge
	return &copied, nil
}

func (f *fakeCommerce) UpdateMetadata(ctx context.Context, chargeID string, metadata model.Metadata) (*model.Charge, error) {
	f.charge.Metadata = metadata
	copied := *f.charge
	return &copied, nil
}

func (f *fakeCommerce) ListCharges(ctx context.Context) ([]model.Charge, error) {
	return f.charges, nil
}

type fakeToken struct {
	txHash string
	txErr  error
}

func (f *fakeToken) Decimals(ctx context.Context) (uint8, error) { return 6, nil }

func (f *fakeToken) Transfer(ctx context.Context, recipient string, amount *big.Int) (string, error) {
	if f.txErr != nil {
		return "", f.txErr
	}
	return f.txHash, nil
}

func newServer(store *fakeCommerce, token *fakeToken) (*http.ServeMux, *tracker.PendingSet) {
	logger := slog.Default()
	publisher := events.NewPublisher(nil, logger)

	pending := tracker.NewPendingSet()
	receiver := webhook.NewReceiver(pending, store, publisher, logger)
	collector := listing.NewCollector(store, logger)
	engine := refund.NewEngine(store, token, nil, publisher, logger)

	mux := http.NewServeMux()
	api.NewHandlers(testSecret, pending, receiver, collector, engine, logger).Register(mux)
	return mux, pending
}

func paidCharge() *model.Charge {
	return &model.Charge{
		ID:       "abc",
		Code:     "ABC123",
		Metadata: model.Metadata{},
		Timeline: []model.TimelineEntry{{Status: model.TimelineCompleted}},
		Payments: []model.Payment{{
			Status: model.PaymentConfirmed,
			Value: model.PaymentValue{
				Crypto: model.Money{Amount: "1.5", Currency: "USDC"},
			},
			PayerAddresses: []string{"0x71C7656EC7ab88b098defB751B7401B5f6d8976F"},
		}},
	}
}

func webhookBody(t *testing.T, eventType, chargeID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": map[string]any{
			"type": eventType,
			"data": map[string]any{"id": chargeID},
		},
	})
	assert.NoError(t, err)
	return body
}

func postWebhook(mux *http.ServeMux, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestWebhookToPollFlow(t *testing.T) {
	mux, _ := newServer(&fakeCommerce{charge: paidCharge()}, &fakeToken{})

	body := webhookBody(t, "charge:pending", "abc")
	rec := postWebhook(mux, body, webhook.Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	// First poll observes success and consumes the entry.
	req := httptest.NewRequest(http.MethodGet, "/api/payment-status/abc", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var status map[string]string
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "success", status["status"])

	// Second poll waits again.
	req = httptest.NewRequest(http.MethodGet, "/api/payment-status/abc", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "waiting", status["status"])
}

func TestWebhook_MissingSignature(t *testing.T) {
	mux, pending := newServer(&fakeCommerce{charge: paidCharge()}, &fakeToken{})

	rec := postWebhook(mux, webhookBody(t, "charge:pending", "abc"), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, pending.Has("abc"))
}

func TestWebhook_InvalidSignature(t *testing.T) {
	mux, pending := newServer(&fakeCommerce{charge: paidCharge()}, &fakeToken{})

	body := webhookBody(t, "charge:pending", "abc")
	rec := postWebhook(mux, body, webhook.Sign("wrong-secret", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, pending.Has("abc"))
}

func TestWebhook_OtherEventStillAcknowledged(t *testing.T) {
	mux, pending := newServer(&fakeCommerce{charge: paidCharge()}, &fakeToken{})

	body := webhookBody(t, "charge:confirmed", "abc")
	rec := postWebhook(mux, body, webhook.Sign(testSecret, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "charge:confirmed")
	assert.False(t, pending.Has("abc"))
}

func TestCharges(t *testing.T) {
	store := &fakeCommerce{charge: paidCharge(), charges: []model.Charge{*paidCharge()}}
	mux, _ := newServer(store, &fakeToken{})

	req := httptest.NewRequest(http.MethodGet, "/api/charges", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []model.Charge `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
	assert.Equal(t, "abc", resp.Data[0].ID)
}

func TestRefundEndpoint(t *testing.T) {
	store := &fakeCommerce{charge: paidCharge()}
	mux, _ := newServer(store, &fakeToken{txHash: "0xdeadbeef"})

	req := httptest.NewRequest(http.MethodPost, "/api/refund", bytes.NewReader([]byte(`{"chargeId":"abc"}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "0xdeadbeef", resp["transactionHash"])
}

func TestRefundEndpoint_MissingChargeID(t *testing.T) {
	mux, _ := newServer(&fakeCommerce{charge: paidCharge()}, &fakeToken{})

	req := httptest.NewRequest(http.MethodPost, "/api/refund", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefundEndpoint_AlreadyRefunded(t *testing.T) {
	charge := paidCharge()
	charge.Metadata[model.MetaRefunded] = true
	mux, _ := newServer(&fakeCommerce{charge: charge}, &fakeToken{})

	req := httptest.NewRequest(http.MethodPost, "/api/refund", bytes.NewReader([]byte(`{"chargeId":"abc"}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "already refunded")
}

func TestRefundRequestEndpoint(t *testing.T) {
	store := &fakeCommerce{charge: paidCharge()}
	mux, _ := newServer(store, &fakeToken{})

	payload := `{"chargeId":"abc","customerAddress":"0x2546BcD3c84621e976D8185a91A922aE77ECEc30"}`
	req := httptest.NewRequest(http.MethodPost, "/api/refund/request", bytes.NewReader([]byte(payload)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.charge.Metadata.Bool(model.MetaRefundRequested))
}

func TestRefundRequestEndpoint_MissingFields(t *testing.T) {
	mux, _ := newServer(&fakeCommerce{charge: paidCharge()}, &fakeToken{})

	req := httptest.NewRequest(http.MethodPost, "/api/refund/request", bytes.NewReader([]byte(`{"chargeId":"abc"}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestPayment(t *testing.T) {
	mux, pending := newServer(&fakeCommerce{charge: paidCharge()}, &fakeToken{})

	req := httptest.NewRequest(http.MethodPost, "/api/test/payment", bytes.NewReader([]byte(`{"chargeId":"synthetic"}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, pending.Has("synthetic"))
}

func TestDebugWebhook(t *testing.T) {
	mux, pending := newServer(&fakeCommerce{charge: paidCharge()}, &fakeToken{})
	pending.Add("latest")

	req := httptest.NewRequest(http.MethodGet, "/api/debug/webhook", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp map[string]any
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "latest", resp["lastChargeId"])
}
