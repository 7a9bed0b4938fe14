// Package compress picks and applies payload compression before data is
// sealed or queued. Already-compressed media is stored as-is.
package compress

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm is persisted alongside compressed data; values are stable.
type Algorithm string

const (
	None Algorithm = "none"
	LZ4  Algorithm = "lz4"
	Zstd Algorithm = "zstd"
)

// Parse maps a stored tag back to an Algorithm. The empty string means None.
func Parse(tag string) (Algorithm, error) {
	switch Algorithm(tag) {
	case "", None:
		return None, nil
	case LZ4:
		return LZ4, nil
	case Zstd:
		return Zstd, nil
	default:
		return "", fmt.Errorf("unknown compression algorithm %q", tag)
	}
}

// Result describes a compression decision.
type Result struct {
	Data         []byte
	Algorithm    Algorithm
	OriginalSize int
}

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// precompressed lists media whose encoding already removes redundancy.
var precompressed = map[string]bool{
	"image/jpeg":                  true,
	"image/png":                   true,
	"image/gif":                   true,
	"image/webp":                  true,
	"image/heic":                  true,
	"video/mp4":                   true,
	"video/quicktime":             true,
	"video/webm":                  true,
	"audio/mpeg":                  true,
	"audio/ogg":                   true,
	"audio/aac":                   true,
	"audio/mp4":                   true,
	"application/zip":             true,
	"application/gzip":            true,
	"application/x-7z-compressed": true,
	"application/zstd":            true,
	"application/vnd.rar":         true,
	"application/x-xz":            true,
	"application/x-bzip2":         true,
}

func isPrecompressed(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return precompressed[ct]
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "cbor")
}

// Select chooses an algorithm from the content type, probing the data when
// the type says nothing useful.
func Select(data []byte, contentType string) Algorithm {
	if len(data) == 0 || isPrecompressed(contentType) {
		return None
	}
	if isTextual(contentType) {
		return Zstd
	}

	sample := data
	if len(sample) > 64*1024 {
		sample = sample[:64*1024]
	}
	ratio := float64(len(sample)) / float64(len(zstdEncoder.EncodeAll(sample, nil)))

	switch {
	case ratio >= 1.5:
		return Zstd
	case ratio >= 1.1:
		return LZ4
	default:
		return None
	}
}

// Auto compresses data at or above threshold bytes when doing so yields a net
// reduction. Otherwise the input is returned unchanged with None.
func Auto(data []byte, contentType string, threshold int) (Result, error) {
	result := Result{Data: data, Algorithm: None, OriginalSize: len(data)}
	if len(data) < threshold {
		return result, nil
	}

	algo := Select(data, contentType)
	if algo == None {
		return result, nil
	}

	compressed, err := Compress(data, algo)
	if errors.Is(err, errIncompressible) {
		return result, nil
	}
	if err != nil {
		return Result{}, err
	}

	result.Data = compressed
	result.Algorithm = algo
	return result, nil
}

// Compress applies algo and fails with an incompressible error when the
// output would not be smaller.
func Compress(data []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case None:
		return data, nil
	case LZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case Zstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algo)
	}
}

// Decompress reverses Compress. originalSize must match exactly.
func Decompress(data []byte, algo Algorithm, originalSize int) ([]byte, error) {
	switch algo {
	case None:
		if len(data) != originalSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d", len(data), originalSize)
		}
		return data, nil
	case LZ4:
		dst := make([]byte, originalSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != originalSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, originalSize)
		}
		return dst, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, originalSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != originalSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), originalSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algo)
	}
}
