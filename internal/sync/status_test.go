package sync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tinylingo/tinysync/internal/entity"
)

func TestStatusLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		st   Status
		want string
	}{
		{Status{State: StateIdle}, "idle"},
		{Status{State: StateSyncing, LastError: "boom"}, "syncing"},
		{Status{State: StateBackingOff, LastError: "boom"}, "error"},
		{Status{State: StateIdle, LastError: "boom"}, "error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.st.Label(), tt.st.State.String())
	}
}

func TestPassReport(t *testing.T) {
	t.Parallel()

	r := &PassReport{Results: []TypeResult{
		{Type: entity.TypeBackgrounds, Pushed: 1, Pulled: 4},
		{Type: entity.TypeStickers, Err: errConnReset},
	}}

	assert.Len(t, r.Failed(), 1)
	assert.True(t, errors.Is(r.Err(), errConnReset))
	assert.Contains(t, r.Err().Error(), "stickers: connection reset")
	assert.Equal(t, "backgrounds: 1 pushed, 4 pulled; stickers: failed", r.Summary())

	empty := &PassReport{}
	assert.NoError(t, empty.Err())
	assert.Equal(t, "nothing to sync", empty.Summary())
}
