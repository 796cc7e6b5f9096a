package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from BroadcastStatus
		to   BroadcastStatus
		want bool
	}{
		{"scheduled to active", StatusScheduled, StatusActive, true},
		{"scheduled to preparing", StatusScheduled, StatusPreparing, true},
		{"scheduled to expired", StatusScheduled, StatusExpired, true},
		{"preparing to ready", StatusPreparing, StatusReady, true},
		{"preparing to failed", StatusPreparing, StatusFailed, true},
		{"ready to active", StatusReady, StatusActive, true},
		{"active to expired", StatusActive, StatusExpired, true},
		{"active to failed", StatusActive, StatusFailed, true},
		{"cancel from scheduled", StatusScheduled, StatusCancelled, true},
		{"cancel from preparing", StatusPreparing, StatusCancelled, true},
		{"cancel from active", StatusActive, StatusCancelled, true},

		{"self transition", StatusActive, StatusActive, false},
		{"scheduled to ready", StatusScheduled, StatusReady, false},
		{"preparing to active", StatusPreparing, StatusActive, false},
		{"active to scheduled", StatusActive, StatusScheduled, false},
		{"cancel from cancelled", StatusCancelled, StatusCancelled, false},
		{"cancel from expired", StatusExpired, StatusCancelled, false},
		{"cancel from failed", StatusFailed, StatusCancelled, false},
		{"revive expired", StatusExpired, StatusActive, false},
		{"revive failed", StatusFailed, StatusScheduled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusScheduled.IsTerminal())
	assert.False(t, StatusPreparing.IsTerminal())
	assert.False(t, StatusReady.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
}

func TestClassify(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	past := now.Add(-time.Hour)
	soon := now.Add(2 * time.Minute)
	later := now.Add(time.Hour)

	tests := []struct {
		name      string
		target    TargetType
		scheduled *time.Time
		expires   *time.Time
		want      BroadcastStatus
	}{
		{"already expired", TargetAll, nil, &past, StatusExpired},
		{"expired wins over schedule", TargetProduct, &later, &past, StatusExpired},

		{"immediate all", TargetAll, nil, nil, StatusActive},
		{"immediate selected", TargetSelected, nil, nil, StatusActive},
		{"past schedule is immediate", TargetRole, &past, nil, StatusActive},
		{"future all", TargetAll, &later, nil, StatusScheduled},

		{"immediate product prepares", TargetProduct, nil, nil, StatusPreparing},
		{"product inside prefetch window", TargetProduct, &soon, nil, StatusPreparing},
		{"product beyond window parks", TargetProduct, &later, nil, StatusScheduled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Broadcast{
				TargetType:  tt.target,
				ScheduledAt: tt.scheduled,
				ExpiresAt:   tt.expires,
			}
			assert.Equal(t, tt.want, b.Classify(now, window))
		})
	}
}

func TestDeliveryStatusFinal(t *testing.T) {
	assert.True(t, DeliveryFailed.Final())
	assert.True(t, DeliverySuperseded.Final())
	assert.False(t, DeliveryPending.Final())
	assert.False(t, DeliveryDelivered.Final())
}

func TestStringListRoundTrip(t *testing.T) {
	val, err := StringList{"a", "b"}.Value()
	assert.NoError(t, err)

	var got StringList
	assert.NoError(t, got.Scan(val))
	assert.Equal(t, StringList{"a", "b"}, got)

	var empty StringList
	assert.NoError(t, empty.Scan(nil))
	assert.Nil(t, empty)
}
