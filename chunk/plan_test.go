package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlan_Coverage(t *testing.T) {
	sizes := []int64{0, 1, 99, 100, 101, 199, 200, 201, 1000, 12345}
	chunkSizes := []int64{1, 7, 100, 4096}

	for _, size := range sizes {
		for _, cs := range chunkSizes {
			plan, err := NewPlan(size, cs)
			require.NoError(t, err)

			var sum, next int64
			for i, c := range plan.Chunks {
				assert.Equal(t, i, c.Index)
				assert.Equal(t, next, c.Offset, "size=%d cs=%d chunk=%d", size, cs, i)
				if size > cs && i < len(plan.Chunks)-1 {
					assert.Equal(t, cs, c.Length, "size=%d cs=%d chunk=%d", size, cs, i)
				}
				sum += c.Length
				next = c.End()
			}
			assert.Equal(t, size, sum, "size=%d cs=%d", size, cs)
		}
	}
}

func TestNewPlan(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		chunkSize int64
		want      []int64
	}{
		{name: "empty object", size: 0, chunkSize: 10, want: []int64{0}},
		{name: "below threshold", size: 9, chunkSize: 10, want: []int64{9}},
		{name: "at threshold", size: 10, chunkSize: 10, want: []int64{10}},
		{name: "one byte over", size: 11, chunkSize: 10, want: []int64{10, 1}},
		{name: "evenly divisible", size: 30, chunkSize: 10, want: []int64{10, 10, 10}},
		{name: "remainder in last chunk", size: 228, chunkSize: 64, want: []int64{64, 64, 64, 36}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewPlan(tt.size, tt.chunkSize)
			require.NoError(t, err)

			var got []int64
			for _, c := range plan.Chunks {
				got = append(got, c.Length)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want) > 1, plan.IsMultipart())
		})
	}
}

func TestNewPlan_CompositeScenario(t *testing.T) {
	const c = 5 * MiB
	plan, err := NewPlan(2*c+100, c)
	require.NoError(t, err)

	require.Equal(t, 3, plan.NumChunks())
	assert.Equal(t, []Chunk{
		{Index: 0, Offset: 0, Length: c},
		{Index: 1, Offset: c, Length: c},
		{Index: 2, Offset: 2 * c, Length: 100},
	}, plan.Chunks)
}

func TestNewPlan_Deterministic(t *testing.T) {
	a, err := NewPlan(123456789, 8*MiB)
	require.NoError(t, err)
	b, err := NewPlan(123456789, 8*MiB)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestNewPlan_InvalidInput(t *testing.T) {
	_, err := NewPlan(10, 0)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = NewPlan(10, -1)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = NewPlan(-1, 10)
	assert.Error(t, err)
}

func TestSizeFor(t *testing.T) {
	tests := []struct {
		name string
		size int64
		min  int64
		want int64
	}{
		{name: "small object", size: 1, min: DefaultChunkSize, want: DefaultChunkSize},
		{name: "at part limit", size: MaxPartCount * DefaultChunkSize, min: DefaultChunkSize, want: DefaultChunkSize},
		{name: "over part limit rounds up to MiB", size: MaxPartCount*DefaultChunkSize + 1, min: DefaultChunkSize, want: DefaultChunkSize + MiB},
		{name: "zero min uses default", size: 1, min: 0, want: DefaultChunkSize},
		{name: "custom min", size: 100 * MiB, min: 8 * MiB, want: 8 * MiB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SizeFor(tt.size, tt.min)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, (tt.size+got-1)/got, int64(MaxPartCount))
		})
	}
}
