package sizing

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSectorMath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n       uint64
		sectors uint64
		aligned uint64
		padding uint64
	}{
		{0, 0, 0, 0},
		{1, 1, 2048, 2047},
		{2047, 1, 2048, 1},
		{2048, 1, 2048, 0},
		{2049, 2, 4096, 2047},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.sectors, SectorsFor(tt.n), "SectorsFor(%d)", tt.n)
		assert.Equal(t, tt.aligned, AlignUp(tt.n), "AlignUp(%d)", tt.n)
		assert.Equal(t, tt.padding, Padding(tt.n), "Padding(%d)", tt.n)
	}
	assert.Equal(t, uint64(4096), SectorBytes(2))
}

func TestConversions(t *testing.T) {
	t.Parallel()

	errOverflow := errors.New("overflow")

	v, err := ToInt64(42, errOverflow)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = ToInt64(math.MaxUint64, errOverflow)
	assert.ErrorIs(t, err, errOverflow)

	_, ok := AddUint64(math.MaxUint64, 1)
	assert.False(t, ok)
	sum, ok := AddUint64(1, 2)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), sum)
}
