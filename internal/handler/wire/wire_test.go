package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

func TestEncodeGroupEvent(t *testing.T) {
	raw, err := Encode(event.NewRemovedEvent(42, "user-1"))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "42", env.ID, "group events dedupe on the broadcast id alone")
	assert.Equal(t, event.KindMessageRemoved, env.Kind)
	assert.NotZero(t, env.OccurredAt)
}

func TestEncodeMaterializedDelivery(t *testing.T) {
	b := &model.Broadcast{ID: 42, Content: "hi", Priority: model.PriorityNormal}
	raw, err := Encode(event.NewMessageEvent(b, "user-1", 7))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "42:7", env.ID, "per-user deliveries carry the user message id")
	assert.Equal(t, event.KindMessage, env.Kind)
}

func TestEncodeBatch(t *testing.T) {
	evs := []event.Eventer{
		event.NewRemovedEvent(1, "user-1"),
		event.NewReadReceiptEvent(2, "user-1"),
	}
	raw, err := EncodeBatch(evs)
	require.NoError(t, err)

	var envs []Envelope
	require.NoError(t, json.Unmarshal(raw, &envs))
	require.Len(t, envs, 2)
	assert.Equal(t, "1", envs[0].ID)
	assert.Equal(t, event.KindReadReceipt, envs[1].Kind)
}

func TestEncodeBatchEmpty(t *testing.T) {
	raw, err := EncodeBatch(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}
