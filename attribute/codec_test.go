package attribute

import (
	"github.com/shimmeringbee/persistence"
	"github.com/shimmeringbee/persistence/impl/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestTimeEncoder(t *testing.T) {
	t.Run("round trips a time at millisecond precision", func(t *testing.T) {
		s := memory.New()
		at := time.Date(2024, 1, 1, 12, 30, 0, int(250*time.Millisecond), time.UTC)

		require.NoError(t, persistence.StoreComplex(s, "At", at, TimeEncoder))

		got, found := persistence.RetrieveComplex(s, "At", TimeDecoder)
		assert.True(t, found)
		assert.Equal(t, at, got)
	})

	t.Run("returns zero when missing", func(t *testing.T) {
		got, found := persistence.RetrieveComplex(memory.New(), "At", TimeDecoder)
		assert.False(t, found)
		assert.True(t, got.IsZero())
	})
}

func TestDurationEncoder(t *testing.T) {
	s := memory.New()

	require.NoError(t, persistence.StoreComplex(s, "Interval", 90*time.Second, DurationEncoder))

	got, found := persistence.RetrieveComplex(s, "Interval", DurationDecoder)
	assert.True(t, found)
	assert.Equal(t, 90*time.Second, got)
}
