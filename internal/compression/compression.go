// Package compression wraps bundle and patch payloads in gzip for transport.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DefaultLevel balances ratio and speed for text bundles
const DefaultLevel = 6

// Extension is appended to compressed artifact names
const Extension = ".gz"

// ErrDecompression is returned for malformed streams and empty output
var ErrDecompression = errors.New("decompression failed")

var compressibleExtensions = map[string]bool{
	".js":     true,
	".json":   true,
	".patch":  true,
	".diff":   true,
	".bundle": true,
	".css":    true,
	".html":   true,
	".txt":    true,
}

// IsValidCompressedStream checks the gzip magic number. It is a cheap filter run before
// full decompression, not a guarantee that the stream is intact.
func IsValidCompressedStream(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Compress gzips data at the given level. Output is not guaranteed to be byte-identical
// across runs or library versions.
func Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// DefaultMaxSize caps decompressed output when the caller has no better bound
const DefaultMaxSize = 512 << 20

// MaxExpansion is the slack allowed over a declared uncompressed size
const MaxExpansion = 4

// SizeLimit is the decompression cap for a payload declared to be declared bytes
// long. Unknown sizes fall back to DefaultMaxSize.
func SizeLimit(declared int64) int64 {
	if declared <= 0 || declared > DefaultMaxSize/MaxExpansion {
		return DefaultMaxSize
	}
	return declared * MaxExpansion
}

// Decompress inflates a gzip stream of at most DefaultMaxSize bytes
func Decompress(data []byte) ([]byte, error) {
	return DecompressLimit(data, DefaultMaxSize)
}

// DecompressLimit inflates a gzip stream and fails once the output passes limit bytes
func DecompressLimit(data []byte, limit int64) ([]byte, error) {
	if !IsValidCompressedStream(data) {
		return nil, fmt.Errorf("%w: missing gzip magic number", ErrDecompression)
	}
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrDecompression, limit)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrDecompression)
	}
	return out, nil
}

// Result describes a file compression
type Result struct {
	OriginalPath   string
	CompressedPath string
	OriginalSize   int64
	CompressedSize int64
}

// Ratio is the fraction of bytes saved
func (r Result) Ratio() float64 {
	if r.OriginalSize == 0 {
		return 0
	}
	return 1 - float64(r.CompressedSize)/float64(r.OriginalSize)
}

// CompressFile writes a gzip copy of inputPath. An empty outputPath means inputPath + ".gz".
func CompressFile(inputPath, outputPath string, level int) (*Result, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", inputPath, err)
	}
	compressed, err := Compress(data, level)
	if err != nil {
		return nil, err
	}
	if outputPath == "" {
		outputPath = inputPath + Extension
	}
	if err := os.WriteFile(outputPath, compressed, 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", outputPath, err)
	}
	return &Result{
		OriginalPath:   inputPath,
		CompressedPath: outputPath,
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(compressed)),
	}, nil
}

// DecompressFile inflates compressedPath into outputPath and returns the decompressed
// size. Output larger than limit bytes is rejected; a non-positive limit means
// DefaultMaxSize.
func DecompressFile(compressedPath, outputPath string, limit int64) (int64, error) {
	data, err := os.ReadFile(compressedPath)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", compressedPath, err)
	}
	out, err := DecompressLimit(data, limit)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(outputPath, out, 0644); err != nil {
		return 0, fmt.Errorf("write %s: %w", outputPath, err)
	}
	return int64(len(out)), nil
}

// ShouldCompress reports whether a build artifact is worth a gzip variant, with a reason when not
func ShouldCompress(path string, minSize int64) (bool, string) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Sprintf("stat failed: %v", err)
	}
	if info.Size() < minSize {
		return false, "file too small"
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext != "" && !compressibleExtensions[ext] {
		return false, "file type not compressible"
	}
	return true, ""
}
