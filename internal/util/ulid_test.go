package util

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAtCarriesTimestamp(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	id, err := ulid.Parse(NewAt(at))
	require.NoError(t, err)
	assert.Equal(t, uint64(at.UnixMilli()), id.Time())
}

func TestNewIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
