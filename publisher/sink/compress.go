package sink

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// ContentEncodingHeader marks compressed payloads for consumers
	ContentEncodingHeader = "Content-Encoding"
	EncodingZstd          = "zstd"
)

// compressor zstd-encodes payloads at or above a size threshold.
// A nil compressor passes payloads through.
type compressor struct {
	enc       *zstd.Encoder
	threshold int
}

func newCompressor(enabled bool, threshold int) (*compressor, error) {
	if !enabled {
		return nil, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &compressor{enc: enc, threshold: threshold}, nil
}

// compress returns the payload to send and whether it was compressed
func (c *compressor) compress(value []byte) ([]byte, bool) {
	if c == nil || len(value) == 0 || len(value) < c.threshold {
		return value, false
	}
	return c.enc.EncodeAll(value, make([]byte, 0, len(value)/2)), true
}

func (c *compressor) Close() error {
	if c == nil {
		return nil
	}
	return c.enc.Close()
}

// Decompress reverses a zstd payload written by a sink
func Decompress(value []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(value, nil)
}
