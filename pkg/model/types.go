package model

import (
	"strings"

	"github.com/google/uuid"
)

// HashValue is a hex-encoded digest.
type HashValue string

// ArchiveFormat identifies how a snapshot is stored.
type ArchiveFormat string

const (
	FormatTar    ArchiveFormat = "tar"
	FormatTarGz  ArchiveFormat = "tar.gz"
	FormatTarBz2 ArchiveFormat = "tar.bz2"
	FormatTarXz  ArchiveFormat = "tar.xz"
	FormatTarZst ArchiveFormat = "tar.zst"
	FormatMirror ArchiveFormat = "mirror"
)

// ArchiveFormats lists every supported format.
func ArchiveFormats() []ArchiveFormat {
	return []ArchiveFormat{FormatTar, FormatTarGz, FormatTarBz2, FormatTarXz, FormatTarZst, FormatMirror}
}

// ParseArchiveFormat accepts a format name, case-insensitively. "tgz" and
// "rsync" are accepted as aliases.
func ParseArchiveFormat(s string) (ArchiveFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tar":
		return FormatTar, true
	case "tar.gz", "tgz", "gz", "gzip":
		return FormatTarGz, true
	case "tar.bz2", "bz2", "bzip2":
		return FormatTarBz2, true
	case "tar.xz", "xz":
		return FormatTarXz, true
	case "tar.zst", "zst", "zstd":
		return FormatTarZst, true
	case "mirror", "rsync":
		return FormatMirror, true
	}
	return "", false
}

// Compressed reports whether the format compresses the tar stream.
func (f ArchiveFormat) Compressed() bool {
	switch f {
	case FormatTarGz, FormatTarBz2, FormatTarXz, FormatTarZst:
		return true
	}
	return false
}

// IsArchive reports whether the format produces a single archive file.
func (f ArchiveFormat) IsArchive() bool {
	return f != FormatMirror && f != ""
}

// Extension returns the file extension of the archive, including the dot.
func (f ArchiveFormat) Extension() string {
	if !f.IsArchive() {
		return ""
	}
	return "." + string(f)
}

func newID() string {
	return uuid.NewString()
}

func shortID(s string) string {
	if len(s) >= 8 {
		return s[:8]
	}
	return s
}
