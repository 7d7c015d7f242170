package txlog_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/testutil"
	"github.com/kareempjackson/undr-api-sub001/internal/txlog"
)

func TestAppendWritesLogAndOutbox(t *testing.T) {
	db := testutil.NewDB(t)

	row, err := txlog.Append(db, txlog.Entry{
		Type:       models.LogEscrowCreated,
		ActorID:    txlog.Actor(3),
		EntityID:   42,
		EntityType: txlog.EntityEscrow,
		Data:       map[string]string{"amount": "100.00"},
		Meta:       txlog.RequestMeta{IPHash: txlog.HashIP("10.0.0.1"), UserAgent: "ua"},
	})
	require.NoError(t, err)
	assert.NotZero(t, row.ID)
	assert.Len(t, row.IPHash, 64)

	var out models.OutboxEvent
	require.NoError(t, db.Where("log_id = ?", row.ID).First(&out).Error)
	assert.Equal(t, "escrow:42", out.PartitionKey)
	assert.Nil(t, out.PublishedAt)

	var ev txlog.Event
	require.NoError(t, json.Unmarshal([]byte(out.Payload), &ev))
	assert.Equal(t, models.LogEscrowCreated, ev.Type)
	assert.JSONEq(t, `{"amount":"100.00"}`, string(ev.Data))
}

func TestAppendHonoursExplicitTime(t *testing.T) {
	db := testutil.NewDB(t)
	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	row, err := txlog.Append(db, txlog.Entry{Type: models.LogFundsReleased, EntityID: 9, EntityType: txlog.EntityEscrow, At: at})
	require.NoError(t, err)

	var stored models.TransactionLog
	require.NoError(t, db.First(&stored, row.ID).Error)
	assert.True(t, stored.CreatedAt.Equal(at), "stored %s", stored.CreatedAt)

	var ev models.OutboxEvent
	require.NoError(t, db.Where("log_id = ?", row.ID).First(&ev).Error)
	var payload txlog.Event
	require.NoError(t, json.Unmarshal([]byte(ev.Payload), &payload))
	assert.True(t, payload.OccurredAt.Equal(at))
}

func TestListForEntityKeepsOrder(t *testing.T) {
	db := testutil.NewDB(t)
	for _, typ := range []models.LogType{models.LogEscrowCreated, models.LogEscrowFunded, models.LogFundsReleased} {
		_, err := txlog.Append(db, txlog.Entry{Type: typ, EntityID: 1, EntityType: txlog.EntityEscrow})
		require.NoError(t, err)
	}
	_, err := txlog.Append(db, txlog.Entry{Type: models.LogEscrowCreated, EntityID: 2, EntityType: txlog.EntityEscrow})
	require.NoError(t, err)

	rows, err := txlog.ListForEntity(db, txlog.EntityEscrow, 1)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, models.LogFundsReleased, rows[2].Type)
	assert.Equal(t, "{}", rows[0].Data)
}

func TestAppendBestEffortSwallowsErrors(t *testing.T) {
	db := testutil.NewDB(t)
	require.NoError(t, db.Migrator().DropTable(&models.TransactionLog{}))

	assert.NotPanics(t, func() {
		txlog.AppendBestEffort(db, zaptest.NewLogger(t), txlog.Entry{Type: models.LogChargebackReceived, EntityType: txlog.EntityPayment})
	})
}

func TestHashIPEmpty(t *testing.T) {
	assert.Empty(t, txlog.HashIP(""))
	assert.Equal(t, txlog.HashIP("1.2.3.4"), txlog.HashIP("1.2.3.4"))
}
