package commerce_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"

	"github.com/onchaincommerce/refund-demo/internal/commerce"
	"github.com/onchaincommerce/refund-demo/internal/model"
)

const apiBase = "http://commerce.test"

func newClient() *commerce.Client {
	backoff := commerce.Backoff{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return commerce.NewClient(apiBase, "test-key", backoff, slog.Default())
}

func TestGetCharge(t *testing.T) {
	defer gock.Off()

	gock.New(apiBase).
		Get("/charges/charge-1").
		MatchHeader("X-CC-Api-Key", "test-key").
		Reply(200).
		JSON(map[string]any{"data": map[string]any{"id": "charge-1", "code": "ABC123"}})

	charge, err := newClient().GetCharge(context.Background(), "charge-1")
	assert.NoError(t, err)
	assert.Equal(t, "charge-1", charge.ID)
	assert.Equal(t, "ABC123", charge.Code)
	assert.True(t, gock.IsDone())
}

func TestGetCharge_NotFound(t *testing.T) {
	defer gock.Off()

	gock.New(apiBase).
		Get("/charges/missing").
		Reply(404).
		JSON(map[string]string{"error": "not found"})

	_, err := newClient().GetCharge(context.Background(), "missing")
	assert.ErrorIs(t, err, commerce.ErrNotFound)
}

func TestUpdateMetadata(t *testing.T) {
	defer gock.Off()

	gock.New(apiBase).
		Post("/charges/charge-1").
		JSON(map[string]any{"metadata": map[string]any{"refund_eligible": true}}).
		Reply(200).
		JSON(map[string]any{"data": map[string]any{"id": "charge-1", "metadata": map[string]any{"refund_eligible": true}}})

	charge, err := newClient().UpdateMetadata(context.Background(), "charge-1", model.Metadata{"refund_eligible": true})
	assert.NoError(t, err)
	assert.True(t, charge.Metadata.Bool("refund_eligible"))
	assert.True(t, gock.IsDone())
}

func TestUpdateMetadata_Upstream(t *testing.T) {
	defer gock.Off()

	gock.New(apiBase).
		Post("/charges/charge-1").
		Reply(500).
		BodyString("boom")

	_, err := newClient().UpdateMetadata(context.Background(), "charge-1", model.Metadata{})
	assert.Error(t, err)

	var upstreamErr *commerce.UpstreamError
	assert.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, 500, upstreamErr.Status)
}

func TestListCharges_Pagination(t *testing.T) {
	defer gock.Off()

	gock.New(apiBase).
		Get("/charges").
		Reply(200).
		JSON(map[string]any{
			"data":       []map[string]any{{"id": "a"}, {"id": "b"}},
			"pagination": map[string]string{"cursor_next": "c2"},
		})
	gock.New(apiBase).
		Get("/charges").
		MatchParam("cursor", "c2").
		Reply(200).
		JSON(map[string]any{
			"data": []map[string]any{{"id": "c"}},
		})

	charges, err := newClient().ListCharges(context.Background())
	assert.NoError(t, err)
	assert.Len(t, charges, 3)
	assert.Equal(t, "c", charges[2].ID)
	assert.True(t, gock.IsDone())
}

func TestListCharges_RetriesTransientFailure(t *testing.T) {
	defer gock.Off()

	gock.New(apiBase).
		Get("/charges").
		Reply(502).
		BodyString("bad gateway")
	gock.New(apiBase).
		Get("/charges").
		Reply(200).
		JSON(map[string]any{"data": []map[string]any{{"id": "a"}}})

	charges, err := newClient().ListCharges(context.Background())
	assert.NoError(t, err)
	assert.Len(t, charges, 1)
	assert.True(t, gock.IsDone())
}

func TestListCharges_GivesUpAfterMaxAttempts(t *testing.T) {
	defer gock.Off()

	for i := 0; i < 3; i++ {
		gock.New(apiBase).
			Get("/charges").
			Reply(503).
			BodyString("unavailable")
	}

	charges, err := newClient().ListCharges(context.Background())
	assert.Error(t, err)
	assert.Empty(t, charges)
	assert.True(t, gock.IsDone())
}

func TestListCharges_PartialCollection(t *testing.T) {
	defer gock.Off()

	gock.New(apiBase).
		Get("/charges").
		Reply(200).
		JSON(map[string]any{
			"data":       []map[string]any{{"id": "a"}},
			"pagination": map[string]string{"cursor_next": "c2"},
		})
	for i := 0; i < 3; i++ {
		gock.New(apiBase).
			Get("/charges").
			MatchParam("cursor", "c2").
			Reply(503).
			BodyString("unavailable")
	}

	charges, err := newClient().ListCharges(context.Background())
	assert.Error(t, err)
	assert.Len(t, charges, 1, "first page survives the second page's failure")
}
