package rawdata

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies how entry payloads are stored in a container file.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4
)

var ErrUnknownCodec = errors.New("rawdata: unknown codec")

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownCodec, name)
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("rawdata: create zstd encoder: %v", err))
		}
		return enc
	},
}

func compress(c Codec, data []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil
	case CodecZstd:
		enc := zstdEncoderPool.Get().(*zstd.Encoder)
		defer zstdEncoderPool.Put(enc)
		return enc.EncodeAll(data, nil), nil
	case CodecLZ4:
		if len(data) == 0 {
			return nil, nil
		}
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		var lc lz4.Compressor
		n, err := lc.CompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input; lz4 leaves it to the caller.
			return nil, errIncompressible
		}
		return dst[:n], nil
	}
	return nil, ErrUnknownCodec
}

var errIncompressible = errors.New("rawdata: data is incompressible")

// lz4MaxExpansion is the largest raw/stored ratio an lz4 block can reach.
const lz4MaxExpansion = 255

// decompress expands data into at most rawLen bytes. Output buffers grow with
// the decoded bytes; declared sizes only bound them.
func decompress(c Codec, data []byte, rawLen int) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil
	case CodecZstd:
		if len(data) == 0 {
			return nil, nil
		}
		// EncodeAll rounds the window up to the next power of two.
		dec, err := zstd.NewReader(bytes.NewReader(data),
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxWindow(uint64(max(2*rawLen, zstd.MinWindowSize))),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		defer dec.Close()
		var out bytes.Buffer
		n, err := io.Copy(&out, io.LimitReader(dec, int64(rawLen)+1))
		if errors.Is(err, zstd.ErrWindowSizeExceeded) || errors.Is(err, zstd.ErrFrameSizeExceeded) {
			return nil, fmt.Errorf("%w: zstd frame larger than %d bytes", ErrBadEntry, rawLen)
		}
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if n > int64(rawLen) {
			return nil, fmt.Errorf("%w: zstd output exceeds %d bytes", ErrBadEntry, rawLen)
		}
		return out.Bytes(), nil
	case CodecLZ4:
		if rawLen == 0 {
			return nil, nil
		}
		if rawLen > len(data)*lz4MaxExpansion {
			return nil, fmt.Errorf("%w: lz4 cannot expand %d bytes to %d", ErrBadEntry, len(data), rawLen)
		}
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out[:n], nil
	}
	return nil, ErrUnknownCodec
}
