package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NoBrokersFallsBackToLog(t *testing.T) {
	p := New(nil, "shop.events")
	_, ok := p.(LogPublisher)
	require.True(t, ok)
	assert.NoError(t, p.Publish(context.Background(), Event{Type: AccountProvisioned, TransactionID: 1}))
	assert.NoError(t, p.Close())
}

func TestNew_WithBrokersUsesKafka(t *testing.T) {
	p := New([]string{"localhost:9092"}, "shop.events")
	defer p.Close()
	_, ok := p.(*KafkaPublisher)
	assert.True(t, ok)
}

func TestEvent_StampAndKey(t *testing.T) {
	e := Event{Type: ProvisioningFailed, TransactionID: 42, Reason: "timeout"}
	e.stamp()
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.At.IsZero())
	assert.Equal(t, "42", string(e.key()))

	id := e.ID
	e.stamp()
	assert.Equal(t, id, e.ID)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "account.provisioning_failed", decoded["type"])
	assert.NotContains(t, decoded, "account_id")

	acc := Event{Type: AccountMigrated, AccountID: 7}
	assert.Equal(t, "account-7", string(acc.key()))
}
