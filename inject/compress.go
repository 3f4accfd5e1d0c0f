package inject

import (
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Codec selects the compression of a journal export.
type Codec byte

const (
	// CodecZstd favors size, used for exports that are kept.
	CodecZstd Codec = 'z'
	// CodecS2 favors speed, used for exports consumed right away.
	CodecS2 Codec = 's'
)

// ZstdCompress compresses data with zstd, appending to dst.
func ZstdCompress(dst, data []byte) []byte {
	encOpts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	}
	if len(data) > 1024*1024*64 {
		encOpts = append(encOpts, zstd.WithEncoderConcurrency(max(1, runtime.NumCPU()/2)))
	}
	encoder, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		panic(err) // only fails on invalid options
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, dst)
}

// ZstdDecompress decompresses zstd data, appending to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, dst)
}

// compressWriter wraps w with the stream encoder for codec. The returned writer must be closed to flush.
func compressWriter(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	case CodecS2:
		return s2.NewWriter(w, s2.WriterBetterCompression()), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}

// decompressReader wraps r with the stream decoder for codec.
func decompressReader(r io.Reader, codec Codec) (io.Reader, func(), error) {
	switch codec {
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	case CodecS2:
		return s2.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown codec %q", codec)
	}
}
