package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResamplePreservesDuration(t *testing.T) {
	tests := []struct {
		from, to, n int
	}{
		{48000, 16000, 48000},
		{48000, 16000, 4801},
		{44100, 16000, 44100},
		{44100, 16000, 1234},
		{24000, 48000, 2400},
		{24000, 44100, 999},
		{16000, 16000, 321},
		{8000, 48000, 7},
	}

	for _, tt := range tests {
		in := constantFrame(tt.n, 0.25)
		out := Resample(in, tt.from, tt.to)

		inDur := float64(tt.n) / float64(tt.from)
		outDur := float64(len(out)) / float64(tt.to)
		assert.InDelta(t, inDur, outDur, 1/float64(tt.to), "%d->%d n=%d", tt.from, tt.to, tt.n)

		for _, s := range out {
			assert.InDelta(t, 0.25, s, 1e-6)
		}
	}
}

func TestResampleDownsampleAveragesBlocks(t *testing.T) {
	out := Resample([]float32{1, 1, 3, 3, -1, 0}, 3, 1)
	require.Len(t, out, 2)
	assert.InDelta(t, 5.0/3, out[0], 1e-6)
	assert.InDelta(t, 2.0/3, out[1], 1e-6)

	out = Resample([]float32{0, 0.5, 1, 1}, 2, 1)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.25, out[0], 1e-6)
	assert.InDelta(t, 1.0, out[1], 1e-6)
}

func TestResampleUpsampleInterpolates(t *testing.T) {
	out := Resample([]float32{0, 1}, 1, 2)
	require.Len(t, out, 4)
	assert.Equal(t, []float32{0, 0.5, 1, 1}, out)
}

func TestResampleEmptyAndCopy(t *testing.T) {
	assert.Empty(t, Resample(nil, 48000, 16000))

	in := []float32{0.1, 0.2}
	out := Resample(in, 16000, 16000)
	out[0] = 9
	assert.Equal(t, float32(0.1), in[0], "identity resample returns a copy")
}

func TestFloatToPCM16ClampsAsymmetrically(t *testing.T) {
	out := FloatToPCM16([]float32{-1, 1, 0, 2, -2, 0.5, -0.5})
	assert.Equal(t, []int16{-32768, 32767, 0, 32767, -32768, 16383, -16384}, out)
}

func TestPCM16ToFloatInvertsScaling(t *testing.T) {
	out := PCM16ToFloat([]int16{-32768, 32767, 0})
	assert.Equal(t, []float32{-1, 1, 0}, out)
}

func TestInt16BytesLittleEndian(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		bytes   []byte
	}{
		{"empty", []int16{}, []byte{}},
		{"positive", []int16{1, 256}, []byte{1, 0, 0, 1}},
		{"negative", []int16{-1, -32768}, []byte{0xff, 0xff, 0x00, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.bytes, int16SliceToBytes(tt.samples))
			assert.Equal(t, tt.samples, bytesToInt16Slice(tt.bytes))
		})
	}
}

func TestEncodeDecodePCM16(t *testing.T) {
	in := constantFrame(4800, 0.5)
	pcm := EncodePCM16(in, 48000, 16000)
	assert.Len(t, pcm, 1600*2)

	back := DecodePCM16(pcm, 16000, 48000)
	require.Len(t, back, 4800)
	assert.InDelta(t, 0.5, back[100], 1e-3)
}

func TestBase64Boundary(t *testing.T) {
	s := EncodeBase64([]byte{0, 1, 2, 0xff})
	assert.Equal(t, "AAEC/w==", s)

	data, err := DecodeBase64(s)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 0xff}, data)

	_, err = DecodeBase64("not base64!")
	assert.Error(t, err)
}
