// Package compression implements the optional payload compression used
// by bulk data streams: package protocol's BulkDataHeader.Compression
// tag selects one of the algorithms registered here. Frames marked with
// protocol.FlagCompressed are not compressed or decompressed by any
// code in this module.
package compression

import (
	"bytes"
	"io"

	"github.com/efficientgo/core/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/airu-project/airu/protocol"
)

// Codec compresses and decompresses whole payloads in one call. Bulk
// USB transfers are chunked well below the sizes where streaming
// compression would pay for its own overhead, so the codec interface is
// deliberately buffer-to-buffer rather than io.Reader/io.Writer based.
type Codec interface {
	Tag() protocol.CompressionTag
	Compress(src []byte) ([]byte, error)
	Decompress(dst []byte, src []byte) ([]byte, error)
}

type noneCodec struct{}

func (noneCodec) Tag() protocol.CompressionTag { return protocol.CompressionNone }
func (noneCodec) Compress(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}
func (noneCodec) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

type lz4Codec struct{}

func (lz4Codec) Tag() protocol.CompressionTag { return protocol.CompressionLZ4 }

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4 close")
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(dst, src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	return append(dst, out...), nil
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd decoder")
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (*zstdCodec) Tag() protocol.CompressionTag { return protocol.CompressionZstd }

func (c *zstdCodec) Compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompress")
	}
	return out, nil
}

// Registry resolves a protocol.CompressionTag to the Codec that
// implements it. The zero value is not usable; construct one with
// NewRegistry.
type Registry struct {
	codecs map[protocol.CompressionTag]Codec
}

// NewRegistry builds a Registry with the "none", "lz4", and "zstd"
// codecs installed.
func NewRegistry() (*Registry, error) {
	zc, err := newZstdCodec()
	if err != nil {
		return nil, err
	}
	return &Registry{
		codecs: map[protocol.CompressionTag]Codec{
			protocol.CompressionNone: noneCodec{},
			protocol.CompressionLZ4:  lz4Codec{},
			protocol.CompressionZstd: zc,
		},
	}, nil
}

// Codec returns the codec registered for tag, or an error if tag is not
// one this registry knows about.
func (r *Registry) Codec(tag protocol.CompressionTag) (Codec, error) {
	c, ok := r.codecs[tag]
	if !ok {
		return nil, errors.Newf("unregistered compression tag %#02x", byte(tag))
	}
	return c, nil
}

// Compress picks the codec for tag and compresses src with it.
func (r *Registry) Compress(tag protocol.CompressionTag, src []byte) ([]byte, error) {
	c, err := r.Codec(tag)
	if err != nil {
		return nil, err
	}
	return c.Compress(src)
}

// Decompress picks the codec for tag and decompresses src with it,
// appending the result to dst.
func (r *Registry) Decompress(tag protocol.CompressionTag, dst, src []byte) ([]byte, error) {
	c, err := r.Codec(tag)
	if err != nil {
		return nil, err
	}
	return c.Decompress(dst, src)
}

// ChooseTag picks a compression tag for a payload of size n, given a
// minimum size threshold below which compression overhead isn't worth
// paying.
func ChooseTag(n int, threshold int, preferred protocol.CompressionTag) protocol.CompressionTag {
	if n < threshold {
		return protocol.CompressionNone
	}
	return preferred
}
