package feeddb

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum payload size before compression is
	// considered. zstd overhead is not worth it for smaller payloads.
	compressionThreshold = 2048

	// maxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs (64 MiB, above the media fetcher's download cap).
	maxDecompressedSize = 64 * 1024 * 1024

	// Frame flags, first byte of every stored payload.
	frameRaw  = 0x00
	frameZstd = 0x01
)

// ErrDecompressionBomb is returned when a decompressed payload exceeds the limit.
var ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

// payloadCodec frames media payloads for at-rest storage, compressing large
// ones with zstd. Encoder and decoder are goroutine-safe and reused.
type payloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newPayloadCodec() (*payloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &payloadCodec{encoder: enc, decoder: dec}, nil
}

func (c *payloadCodec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}

// encode frames data, compressing when the payload is large enough to
// benefit. The frame is [flag byte][bytes].
func (c *payloadCodec) encode(data []byte) []byte {
	if len(data) < compressionThreshold {
		framed := make([]byte, 1+len(data))
		framed[0] = frameRaw
		copy(framed[1:], data)
		return framed
	}

	compressed := c.encoder.EncodeAll(data, make([]byte, 1, len(data)/2))
	if len(compressed)-1 >= len(data) {
		// Incompressible payload, keep it raw.
		framed := make([]byte, 1+len(data))
		framed[0] = frameRaw
		copy(framed[1:], data)
		return framed
	}
	compressed[0] = frameZstd
	return compressed
}

// decode unwraps a stored frame back to the original payload.
func (c *payloadCodec) decode(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("empty payload frame")
	}

	switch framed[0] {
	case frameRaw:
		data := make([]byte, len(framed)-1)
		copy(data, framed[1:])
		return data, nil
	case frameZstd:
		data, err := c.decoder.DecodeAll(framed[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(data) > maxDecompressedSize {
			return nil, ErrDecompressionBomb
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown payload frame flag 0x%02x", framed[0])
	}
}
