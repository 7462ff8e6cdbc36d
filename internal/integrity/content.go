package integrity

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/ckpt-project/ckpt/pkg/model"
)

// ContentHasher computes the fast, non-cryptographic hash used to detect
// changed files between backups.
type ContentHasher struct {
	d *xxhash.Digest
}

// NewContentHasher creates an empty ContentHasher.
func NewContentHasher() *ContentHasher {
	return &ContentHasher{d: xxhash.New()}
}

func (c *ContentHasher) Write(p []byte) (int, error) {
	return c.d.Write(p)
}

// Sum returns the 16-character hex digest.
func (c *ContentHasher) Sum() model.HashValue {
	return formatContentHash(c.d.Sum64())
}

func formatContentHash(sum uint64) model.HashValue {
	s := strconv.FormatUint(sum, 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return model.HashValue(s)
}

// ContentHash hashes the file at path.
func ContentHash(path string) (model.HashValue, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d := xxhash.New()
	n, err := io.Copy(d, f)
	if err != nil {
		return "", n, fmt.Errorf("read %s: %w", path, err)
	}
	return formatContentHash(d.Sum64()), n, nil
}

// ContentHashBytes hashes an in-memory buffer.
func ContentHashBytes(b []byte) model.HashValue {
	return formatContentHash(xxhash.Sum64(b))
}
