package audio

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	Channels      = 1 // Mono
	ChunkMS       = 100
	OpusFrameMS   = 20
	opusMaxPacket = 4000
)

// PCMCodec ships raw 16-bit PCM in fixed-duration chunks.
type PCMCodec struct {
	chunkBytes int
}

func NewPCMCodec(sampleRate int) *PCMCodec {
	return &PCMCodec{chunkBytes: sampleRate * ChunkMS / 1000 * 2}
}

func (c *PCMCodec) Name() string { return "pcm" }

func (c *PCMCodec) Encode(pcm []byte) ([][]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm length %d is not a whole number of samples", len(pcm))
	}

	chunks := make([][]byte, 0, len(pcm)/c.chunkBytes+1)
	for off := 0; off < len(pcm); off += c.chunkBytes {
		end := off + c.chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunks = append(chunks, pcm[off:end])
	}
	return chunks, nil
}

func (c *PCMCodec) Decode(chunk []byte) ([]byte, error) {
	if len(chunk)%2 != 0 {
		return nil, fmt.Errorf("pcm chunk length %d is not a whole number of samples", len(chunk))
	}
	return chunk, nil
}

// OpusCodec packs outbound PCM into 20ms Opus packets and decodes inbound
// packets at the inbound rate.
type OpusCodec struct {
	encoder         *gopus.Encoder
	decoder         *gopus.Decoder
	encodeFrameSize int
	decodeFrameSize int
}

// OpusRateSupported reports whether Opus can run at rate.
func OpusRateSupported(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

func NewOpusCodec(encodeRate, decodeRate int) (*OpusCodec, error) {
	for _, rate := range []int{encodeRate, decodeRate} {
		if !OpusRateSupported(rate) {
			return nil, fmt.Errorf("opus does not support %d Hz", rate)
		}
	}
	encoder, err := gopus.NewEncoder(encodeRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	decoder, err := gopus.NewDecoder(decodeRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	return &OpusCodec{
		encoder:         encoder,
		decoder:         decoder,
		encodeFrameSize: encodeRate / 1000 * OpusFrameMS,
		decodeFrameSize: decodeRate / 1000 * OpusFrameMS,
	}, nil
}

func (c *OpusCodec) Name() string { return "opus" }

// Encode zero-pads the final frame up to a whole Opus frame.
func (c *OpusCodec) Encode(pcm []byte) ([][]byte, error) {
	samples := bytesToInt16Slice(pcm)
	packets := make([][]byte, 0, len(samples)/c.encodeFrameSize+1)

	for off := 0; off < len(samples); off += c.encodeFrameSize {
		frame := samples[off:min(off+c.encodeFrameSize, len(samples))]
		if len(frame) < c.encodeFrameSize {
			padded := make([]int16, c.encodeFrameSize)
			copy(padded, frame)
			frame = padded
		}

		packet, err := c.encoder.Encode(frame, c.encodeFrameSize, opusMaxPacket)
		if err != nil {
			return nil, fmt.Errorf("failed to encode opus: %w", err)
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

func (c *OpusCodec) Decode(chunk []byte) ([]byte, error) {
	// Handle silence frames
	if len(chunk) == 3 && chunk[0] == 0xF8 && chunk[1] == 0xFF && chunk[2] == 0xFE {
		return make([]byte, c.decodeFrameSize*2), nil
	}

	pcm, err := c.decoder.Decode(chunk, c.decodeFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode opus: %w", err)
	}
	return int16SliceToBytes(pcm), nil
}

// NewCodec builds the codec named by VOICE_CODEC.
func NewCodec(name string, encodeRate, decodeRate int) (Codec, error) {
	switch name {
	case "", "pcm":
		return NewPCMCodec(encodeRate), nil
	case "opus":
		return NewOpusCodec(encodeRate, decodeRate)
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
