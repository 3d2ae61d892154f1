package model

import "time"

// Timeline statuses reported by the commerce provider. The last timeline
// entry is the authoritative charge status.
const (
	TimelineNew        = "NEW"
	TimelinePending    = "PENDING"
	TimelineCompleted  = "COMPLETED"
	TimelineExpired    = "EXPIRED"
	TimelineUnresolved = "UNRESOLVED"
	TimelineResolved   = "RESOLVED"
	TimelineCanceled   = "CANCELED"
)

// Payment attempt statuses.
const (
	PaymentNew           = "NEW"
	PaymentPending       = "PENDING"
	PaymentConfirmed     = "CONFIRMED"
	PaymentFailed        = "FAILED"
	PaymentDelayed       = "DELAYED"
	PaymentRefundPending = "REFUND_PENDING"
	PaymentRefunded      = "REFUNDED"
)

// Metadata keys this service writes into the provider's free-form bag.
const (
	MetaRefunded          = "refunded"
	MetaRefundTx          = "refund_tx"
	MetaRefundDate        = "refund_date"
	MetaRefundAmount      = "refund_amount"
	MetaRefundCurrency    = "refund_currency"
	MetaRefundRequested   = "refund_requested"
	MetaRefundRequestDate = "refund_request_date"
	MetaRefundRequestedBy = "refund_requested_by"
	MetaRefundEligible    = "refund_eligible"
	MetaPaymentPendingAt  = "payment_pending_at"
)

type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type PaymentValue struct {
	Local  Money `json:"local"`
	Crypto Money `json:"crypto"`
}

type Payment struct {
	PaymentID      string       `json:"payment_id"`
	Network        string       `json:"network"`
	TransactionID  string       `json:"transaction_id"`
	Status         string       `json:"status"`
	DetectedAt     time.Time    `json:"detected_at"`
	Value          PaymentValue `json:"value"`
	PayerAddresses []string     `json:"payer_addresses"`
}

type TimelineEntry struct {
	Time   time.Time `json:"time"`
	Status string    `json:"status"`
}

// Metadata is the provider-side key/value bag. It is the only persistent
// store for refund state on the provider, so updates must always merge with
// the previous contents.
type Metadata map[string]any

func (m Metadata) Bool(key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}

func (m Metadata) String(key string) string {
	v, _ := m[key].(string)
	return v
}

// Merged returns a copy of m with extra keys applied on top, never mutating
// the original bag.
func (m Metadata) Merged(extra Metadata) Metadata {
	out := make(Metadata, len(m)+len(extra))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

type Charge struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	Name          string          `json:"name,omitempty"`
	Description   string          `json:"description,omitempty"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
	Payments      []Payment       `json:"payments"`
	Timeline      []TimelineEntry `json:"timeline"`
	Metadata      Metadata        `json:"metadata,omitempty"`
}

// Status returns the last timeline status, or empty when the provider sent
// no timeline at all.
func (c *Charge) Status() string {
	if len(c.Timeline) == 0 {
		return ""
	}
	return c.Timeline[len(c.Timeline)-1].Status
}

// FirstPayment returns the first payment attempt, which the provider orders
// as the originating one.
func (c *Charge) FirstPayment() *Payment {
	if len(c.Payments) == 0 {
		return nil
	}
	return &c.Payments[0]
}

// WebhookEvent is the inner event of the provider's webhook envelope.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data Charge `json:"data"`
}

// WebhookEnvelope is the raw webhook body shape: {"event": {...}}.
type WebhookEnvelope struct {
	Event WebhookEvent `json:"event"`
}
