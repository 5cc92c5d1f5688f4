package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPadMessage(t *testing.T) {
	tests := []struct {
		from, to, want int
	}{
		{0, 79, 79},
		{79, 159, 159},
		{159, 239, 239},
	}
	for _, tt := range tests {
		for i := tt.from; i < tt.to; i++ {
			padded := padMessage(make([]byte, i))
			require.Len(t, padded, tt.want, "message len %d", i)
			require.Equal(t, byte(0x80), padded[i], "message len %d: terminator", i)
			for j := i + 1; j < len(padded); j++ {
				require.Zero(t, padded[j], "message len %d: byte %d", i, j)
			}
		}
	}
}

func TestStripPadding(t *testing.T) {
	for _, size := range []int{0, 1, 10, 50, 78, 79, 100, 158, 159, 200, 238, 239} {
		original := make([]byte, size)
		for i := range original {
			original[i] = byte(i % 256)
		}
		require.Equal(t, original, stripPadding(padMessage(original)), "size %d", size)
	}
}
