package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanBoundaryRows(t *testing.T) {
	const (
		mib = int64(1) << 20
		gib = int64(1) << 30
		tib = int64(1) << 40
	)
	cases := []struct {
		name    string
		size    int64
		count   int
		uniform uint64
		final   uint64
	}{
		{"zero", 0, 0, 0, 0},
		{"one byte", 1, 1, 1, 1},
		{"exactly 64MiB", 64 * mib, 1, uint64(64 * mib), uint64(64 * mib)},
		{"50MiB", 50 * mib, 1, uint64(50 * mib), uint64(50 * mib)},
		{"70MiB", 70 * mib, 2, uint64(64 * mib), uint64(6 * mib)},
		{"140MiB", 140 * mib, 3, uint64(64 * mib), uint64(12 * mib)},
		{"640MiB", 640 * mib, 10, uint64(64 * mib), uint64(64 * mib)},
		{"5TiB", 5 * tib, 10000, 549_755_814, 549_754_694},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pl, err := Plan(tc.size)
			require.NoError(t, err)
			assert.Equal(t, tc.count, pl.PartCount)
			assert.Equal(t, tc.uniform, pl.UniformPartSize)
			assert.Equal(t, tc.final, pl.FinalPartSize)
			assert.Equal(t, uint64(tc.size), pl.TotalSize)
		})
	}
}

func TestPlanRejectsOversizedBlobs(t *testing.T) {
	_, err := Plan((5 << 40) + 1)
	require.ErrorIs(t, err, ErrSizeTooLarge)
}

func TestPlanTotalSizeInvariant(t *testing.T) {
	for _, size := range []int64{0, 1, 7, 1 << 20, 123456789, 5 * (int64(1) << 40)} {
		pl, err := Plan(size)
		require.NoError(t, err)
		var total uint64
		for _, p := range pl.Parts() {
			total += p.Size
		}
		assert.Equal(t, uint64(size), total, "size=%d", size)
		assert.Equal(t, uint64(size), pl.TotalSize)
	}
}

func TestPlanMonotone(t *testing.T) {
	var prev int
	for _, size := range []int64{0, 1, 1 << 20, 64 << 20, 70 << 20, 5 * (int64(1) << 40)} {
		pl, err := Plan(size)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pl.PartCount, prev)
		assert.LessOrEqual(t, pl.PartCount, 10_000)
		prev = pl.PartCount
	}
}

func TestPartsAreOrderedAndContiguous(t *testing.T) {
	pl, err := Plan(140 << 20)
	require.NoError(t, err)
	parts := pl.Parts()
	require.Len(t, parts, pl.PartCount)
	var offset uint64
	for i, p := range parts {
		assert.Equal(t, i+1, p.Number)
		assert.Equal(t, offset, p.Offset)
		offset += p.Size
	}
	assert.Equal(t, pl.TotalSize, offset)
}
