package leveldb

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Codec encodes stored values as CBOR and compresses them with zstd.
type Codec struct {
	encoder      cbor.EncMode
	decoder      cbor.DecMode
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
}

func NewCodec() (*Codec, error) {
	encoder, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	decoder, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	compressor, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decompressor, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Codec{
		encoder:      encoder,
		decoder:      decoder,
		compressor:   compressor,
		decompressor: decompressor,
	}, nil
}

func (c *Codec) Marshal(value any) ([]byte, error) {
	data, err := c.encoder.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("could not encode value: %w", err)
	}
	return c.compressor.EncodeAll(data, nil), nil
}

func (c *Codec) Unmarshal(compressed []byte, value any) error {
	data, err := c.decompressor.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("could not decompress value: %w", err)
	}
	if err := c.decoder.Unmarshal(data, value); err != nil {
		return fmt.Errorf("could not decode value: %w", err)
	}
	return nil
}

func (c *Codec) Close() {
	_ = c.compressor.Close()
	c.decompressor.Close()
}
