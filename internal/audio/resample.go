package audio

import (
	"encoding/base64"
	"math"
)

// Resample converts mono float samples between rates. Downsampling averages
// each source block that maps onto an output sample; upsampling interpolates
// linearly. The output length is len(in)*to/from rounded to the nearest
// sample, so duration is preserved within one output sample.
func Resample(in []float32, from, to int) []float32 {
	if from == to || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	outLen := (len(in)*to + from/2) / from
	if outLen == 0 {
		return []float32{}
	}
	out := make([]float32, outLen)

	if from > to {
		start := 0
		for i := range out {
			end := ((i+1)*from + to/2) / to
			if end > len(in) || i == outLen-1 {
				end = len(in)
			}
			if end <= start {
				// block rounded to nothing, reuse the nearest source sample
				idx := start
				if idx >= len(in) {
					idx = len(in) - 1
				}
				out[i] = in[idx]
				continue
			}

			var sum float64
			for _, s := range in[start:end] {
				sum += float64(s)
			}
			out[i] = float32(sum / float64(end-start))
			start = end
		}
		return out
	}

	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx] + (in[idx+1]-in[idx])*frac
	}
	return out
}

// FloatToPCM16 clamps to [-1, 1] and scales negatives by 32768 and
// positives by 32767 so both extremes map onto the full int16 range.
func FloatToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		v := math.Max(-1, math.Min(1, float64(s)))
		if v < 0 {
			out[i] = int16(v * 32768)
		} else {
			out[i] = int16(v * 32767)
		}
	}
	return out
}

func PCM16ToFloat(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out
}

func int16SliceToBytes(samples []int16) []byte {
	bytes := make([]byte, len(samples)*2)
	for i, sample := range samples {
		bytes[i*2] = byte(sample)
		bytes[i*2+1] = byte(sample >> 8)
	}
	return bytes
}

func bytesToInt16Slice(bytes []byte) []int16 {
	samples := make([]int16, len(bytes)/2)
	for i := range samples {
		samples[i] = int16(uint16(bytes[i*2]) | uint16(bytes[i*2+1])<<8)
	}
	return samples
}

// EncodePCM16 resamples float samples and packs them as 16-bit little-endian PCM.
func EncodePCM16(in []float32, from, to int) []byte {
	return int16SliceToBytes(FloatToPCM16(Resample(in, from, to)))
}

// DecodePCM16 unpacks 16-bit little-endian PCM and resamples it to float samples.
func DecodePCM16(pcm []byte, from, to int) []float32 {
	return Resample(PCM16ToFloat(bytesToInt16Slice(pcm)), from, to)
}

// EncodeBase64 is only used where a transport needs text-safe frames.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
