package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmBytes(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func pcmSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func TestMulawRoundTrip(t *testing.T) {
	// Mu-law is lossy; the round-trip error must stay within the step
	// size of the encoded segment, which for these magnitudes is well
	// under 3% of full scale.
	inputs := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000}
	encoded := Linear16ToMulaw(pcmBytes(inputs...))
	decoded := pcmSamples(MulawToLinear16(encoded))

	require.Len(t, decoded, len(inputs))
	for i, want := range inputs {
		got := decoded[i]
		diff := math.Abs(float64(want) - float64(got))
		assert.LessOrEqual(t, diff, 1000.0, "sample %d: %d decoded as %d", i, want, got)
	}
}

func TestMulawSilence(t *testing.T) {
	// 0xFF is mu-law digital silence.
	decoded := pcmSamples(MulawToLinear16([]byte{0xFF, 0xFF, 0xFF}))
	for _, s := range decoded {
		assert.EqualValues(t, 0, s)
	}
}

func TestResampleLinear16_Upsample(t *testing.T) {
	in := pcmBytes(0, 1000, 2000, 3000)
	out := pcmSamples(ResampleLinear16(in, 8000, 16000))

	assert.Len(t, out, 8)
	// Interpolated midpoints land halfway between neighbors.
	assert.EqualValues(t, 0, out[0])
	assert.EqualValues(t, 500, out[1])
	assert.EqualValues(t, 1000, out[2])
	assert.EqualValues(t, 1500, out[3])
}

func TestResampleLinear16_Downsample(t *testing.T) {
	in := pcmBytes(0, 100, 200, 300, 400, 500, 600, 700)
	out := pcmSamples(ResampleLinear16(in, 16000, 8000))
	assert.Len(t, out, 4)
	assert.EqualValues(t, 0, out[0])
	assert.EqualValues(t, 200, out[1])
}

func TestResampleLinear16_SameRatePassthrough(t *testing.T) {
	in := pcmBytes(42, -42)
	out := ResampleLinear16(in, 16000, 16000)
	assert.Equal(t, in, out)
}

func TestToLinear16(t *testing.T) {
	t.Run("linear16 passthrough", func(t *testing.T) {
		in := pcmBytes(1, 2, 3)
		out, err := ToLinear16(in, "linear16", 16000, 16000)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("mulaw decode", func(t *testing.T) {
		out, err := ToLinear16([]byte{0xFF, 0xFF}, "mulaw", 16000, 16000)
		require.NoError(t, err)
		assert.Equal(t, pcmBytes(0, 0), out)
	})

	t.Run("mulaw decode and resample", func(t *testing.T) {
		out, err := ToLinear16([]byte{0xFF, 0xFF, 0xFF, 0xFF}, "mulaw", 8000, 16000)
		require.NoError(t, err)
		assert.Len(t, out, 16)
	})

	t.Run("odd linear16 frame rejected", func(t *testing.T) {
		_, err := ToLinear16([]byte{0x01}, "linear16", 16000, 16000)
		assert.Error(t, err)
	})

	t.Run("unknown codec rejected", func(t *testing.T) {
		_, err := ToLinear16([]byte{0x01, 0x02}, "amr", 16000, 16000)
		assert.Error(t, err)
	})
}
