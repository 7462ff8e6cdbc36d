// Package compression provides the stream codecs behind archive snapshot
// formats: plain tar, gzip and zstd (klauspost/compress), bzip2
// (dsnet/compress) and xz (ulikunitz/xz).
package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/model"
)

// CompressionLevel represents the compression level.
type CompressionLevel int

const (
	// LevelNone stores data with the least effort the codec allows.
	LevelNone CompressionLevel = 0
	// LevelFast uses fastest compression.
	LevelFast CompressionLevel = 1
	// LevelDefault uses the codec's default compression.
	LevelDefault CompressionLevel = 6
	// LevelMax uses maximum compression.
	LevelMax CompressionLevel = 9
)

// ParseLevel converts "none", "fast", "default" or "max" (or the numeric
// equivalents) into a CompressionLevel.
func ParseLevel(level string) (CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "none", "0":
		return LevelNone, nil
	case "fast", "1":
		return LevelFast, nil
	case "default", "6", "":
		return LevelDefault, nil
	case "max", "9":
		return LevelMax, nil
	default:
		return LevelDefault, fmt.Errorf("invalid compression level: %s (must be none, fast, default, or max)", level)
	}
}

// String returns the string representation of the level.
func (l CompressionLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelFast:
		return "fast"
	case LevelDefault:
		return "default"
	case LevelMax:
		return "max"
	default:
		return fmt.Sprintf("level-%d", int(l))
	}
}

// Codec wraps tar streams for one archive format.
type Codec struct {
	Format model.ArchiveFormat
	Level  CompressionLevel
}

// NewCodec returns the codec for format. Mirror snapshots have no codec.
func NewCodec(format model.ArchiveFormat, level CompressionLevel) (*Codec, error) {
	if !format.IsArchive() {
		return nil, errclass.ErrFormatUnsupported.WithMessagef("no archive codec for format %q", format)
	}
	switch format {
	case model.FormatTar, model.FormatTarGz, model.FormatTarBz2, model.FormatTarXz, model.FormatTarZst:
		return &Codec{Format: format, Level: level}, nil
	}
	return nil, errclass.ErrFormatUnsupported.WithMessagef("unknown archive format %q", format)
}

// NewWriter wraps w with the format's compressor. Closing the returned
// writer flushes the compressor but does not close w.
func (c *Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c.Format {
	case model.FormatTar:
		return nopWriteCloser{w}, nil

	case model.FormatTarGz:
		level := gzip.DefaultCompression
		switch c.Level {
		case LevelNone:
			level = gzip.NoCompression
		case LevelFast:
			level = gzip.BestSpeed
		case LevelMax:
			level = gzip.BestCompression
		}
		return gzip.NewWriterLevel(w, level)

	case model.FormatTarZst:
		level := zstd.SpeedDefault
		switch c.Level {
		case LevelNone, LevelFast:
			level = zstd.SpeedFastest
		case LevelMax:
			level = zstd.SpeedBestCompression
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(level))

	case model.FormatTarBz2:
		level := int(c.Level)
		if level < 1 {
			level = 1
		}
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: level})

	case model.FormatTarXz:
		return xz.NewWriter(w)
	}
	return nil, errclass.ErrFormatUnsupported.WithMessagef("unknown archive format %q", c.Format)
}

// NewReader wraps r with the format's decompressor.
func (c *Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c.Format {
	case model.FormatTar:
		return io.NopCloser(r), nil

	case model.FormatTarGz:
		return gzip.NewReader(r)

	case model.FormatTarZst:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil

	case model.FormatTarBz2:
		return bzip2.NewReader(r, nil)

	case model.FormatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	}
	return nil, errclass.ErrFormatUnsupported.WithMessagef("unknown archive format %q", c.Format)
}

// DetectFormat infers the archive format from a file name.
func DetectFormat(name string) (model.ArchiveFormat, bool) {
	lower := strings.ToLower(name)
	for _, f := range []model.ArchiveFormat{model.FormatTarGz, model.FormatTarBz2, model.FormatTarXz, model.FormatTarZst, model.FormatTar} {
		if strings.HasSuffix(lower, f.Extension()) {
			return f, true
		}
	}
	if strings.HasSuffix(lower, ".tgz") {
		return model.FormatTarGz, true
	}
	return "", false
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
