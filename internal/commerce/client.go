// Package commerce talks to the Coinbase-Commerce-shaped payments API: it is
// the system's only durable store (via charge metadata) besides the refund
// ledger.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"

	"github.com/onchaincommerce/refund-demo/internal/model"
)

const (
	DefaultAPIBase = "https://api.commerce.coinbase.com"

	defaultTimeoutMs = 10_000
)

var (
	listPageSuccessCounter = metrics.GetOrCreateCounter(`commerce_list_pages_total{result="success"}`)
	listPageRetryCounter   = metrics.GetOrCreateCounter(`commerce_list_pages_total{result="retried"}`)
	listPageFailedCounter  = metrics.GetOrCreateCounter(`commerce_list_pages_total{result="failed"}`)
)

// ErrNotFound is returned when the provider does not answer 2xx for a single
// charge lookup.
var ErrNotFound = errors.New("charge not found")

// UpstreamError is a non-2xx provider response on any other call.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("commerce api responded %d: %s", e.Status, e.Body)
}

type Client struct {
	base    string
	apiKey  string
	client  *http.Client
	backoff Backoff
	logger  *slog.Logger
}

func NewClient(base, apiKey string, backoff Backoff, logger *slog.Logger) *Client {
	if base == "" {
		base = DefaultAPIBase
	}
	return &Client{
		base:    base,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultTimeoutMs * time.Millisecond},
		backoff: backoff,
		logger:  logger,
	}
}

type chargeEnvelope struct {
	Data model.Charge `json:"data"`
}

type listEnvelope struct {
	Data       []model.Charge `json:"data"`
	Pagination struct {
		CursorNext string `json:"cursor_next"`
	} `json:"pagination"`
}

// GetCharge fetches a single charge by id.
func (c *Client) GetCharge(ctx context.Context, chargeID string) (*model.Charge, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.base+"/charges/"+chargeID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching charge")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		c.logger.ErrorContext(ctx, "Failed to fetch charge", "chargeId", chargeID, "status", resp.StatusCode, "body", string(body))
		return nil, ErrNotFound
	}

	var envelope chargeEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, errors.Wrap(err, "decoding charge")
	}
	return &envelope.Data, nil
}

// UpdateMetadata replaces the charge's metadata bag with the given one. The
// caller is responsible for merging with the previous contents first; the
// provider overwrites whatever is sent.
func (c *Client) UpdateMetadata(ctx context.Context, chargeID string, metadata model.Metadata) (*model.Charge, error) {
	payload, err := json.Marshal(map[string]any{"metadata": metadata})
	if err != nil {
		return nil, errors.Wrap(err, "marshalling metadata")
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.base+"/charges/"+chargeID, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "updating charge metadata")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var envelope chargeEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, errors.Wrap(err, "decoding updated charge")
	}
	return &envelope.Data, nil
}

// ListCharges walks the provider's cursor pagination until no further cursor
// is returned. Transient page failures are retried per the backoff policy;
// if a page never succeeds, whatever was collected so far is returned along
// with the error, and the caller decides whether a partial result is usable.
func (c *Client) ListCharges(ctx context.Context) ([]model.Charge, error) {
	var all []model.Charge
	cursor := ""

	for {
		page, next, err := c.listPage(ctx, cursor)
		if err != nil {
			listPageFailedCounter.Inc()
			return all, err
		}
		listPageSuccessCounter.Inc()

		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

func (c *Client) listPage(ctx context.Context, cursor string) ([]model.Charge, string, error) {
	endpoint := c.base + "/charges"
	if cursor != "" {
		endpoint += "?cursor=" + cursor
	}

	var lastErr error
	for attempt := 1; attempt <= c.backoff.MaxAttempts; attempt++ {
		page, next, err := c.fetchPage(ctx, endpoint)
		if err == nil {
			return page, next, nil
		}
		lastErr = err

		c.logger.WarnContext(ctx, "Charge page fetch failed", "attempt", attempt, "error", err)
		listPageRetryCounter.Inc()

		if attempt < c.backoff.MaxAttempts {
			if err := c.backoff.Sleep(ctx, attempt); err != nil {
				return nil, "", err
			}
		}
	}
	return nil, "", errors.Wrapf(lastErr, "fetching charges after %d attempts", c.backoff.MaxAttempts)
}

func (c *Client) fetchPage(ctx context.Context, endpoint string) ([]model.Charge, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "fetching charges")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var envelope listEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, "", errors.Wrap(err, "decoding charges page")
	}
	return envelope.Data, envelope.Pagination.CursorNext, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("X-CC-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}
