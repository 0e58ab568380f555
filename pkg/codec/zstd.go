// Package codec compresses cache payloads before they are written to Redis.
package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Zstd holds a reusable encoder/decoder pair. Both are safe for concurrent
// EncodeAll/DecodeAll calls.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd builds the encoder and decoder once.
func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (z *Zstd) Compress(data []byte) []byte {
	return z.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	return z.dec.DecodeAll(data, nil)
}
