package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FiltersByType(t *testing.T) {
	h := NewHub(4, nil)
	all := h.Subscribe()
	conflicts := h.Subscribe(TypeConflict, TypeConflictManual)
	defer all.Close()
	defer conflicts.Close()

	h.Publish(Event{Type: TypeDeliveryStatus})
	h.Publish(Event{Type: TypeConflictManual, Data: "field"})

	require.Len(t, all.C, 2)
	require.Len(t, conflicts.C, 1)

	ev := <-conflicts.C
	assert.Equal(t, TypeConflictManual, ev.Type)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.At.IsZero())
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub(1, nil)
	sub := h.Subscribe()
	defer sub.Close()

	for i := 0; i < 10; i++ {
		h.Publish(Event{Type: TypeSyncCompleted})
	}
	assert.Len(t, sub.C, 1)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	h := NewHub(1, nil)
	sub := h.Subscribe()
	sub.Close()
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)

	h.Publish(Event{Type: TypeBroadcast})
}

func TestHub_Close(t *testing.T) {
	h := NewHub(1, nil)
	a := h.Subscribe()
	b := h.Subscribe(TypeBroadcast)
	h.Close()

	_, openA := <-a.C
	_, openB := <-b.C
	assert.False(t, openA)
	assert.False(t, openB)
}
