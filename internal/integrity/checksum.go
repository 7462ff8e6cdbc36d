// Package integrity computes the digests used to protect snapshots and
// backups: sha256 archive checksums, xxhash content hashes for change
// detection, and a deterministic tree hash for comparing directories.
package integrity

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/ckpt-project/ckpt/pkg/model"
)

const chunkSize = 1 << 20

// FileChecksum returns the sha256 of the file at path.
func FileChecksum(path string) (model.HashValue, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, bufio.NewReaderSize(f, chunkSize), make([]byte, chunkSize)); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return model.HashValue(hex.EncodeToString(h.Sum(nil))), nil
}

// Checksummer is an io.Writer that tracks the sha256 and length of
// everything written to it.
type Checksummer struct {
	h hash.Hash
	n int64
}

// NewChecksummer creates an empty Checksummer.
func NewChecksummer() *Checksummer {
	return &Checksummer{h: sha256.New()}
}

func (c *Checksummer) Write(p []byte) (int, error) {
	n, _ := c.h.Write(p)
	c.n += int64(n)
	return n, nil
}

// Sum returns the hex digest of the bytes written so far.
func (c *Checksummer) Sum() model.HashValue {
	return model.HashValue(hex.EncodeToString(c.h.Sum(nil)))
}

// Size returns the number of bytes written so far.
func (c *Checksummer) Size() int64 {
	return c.n
}
