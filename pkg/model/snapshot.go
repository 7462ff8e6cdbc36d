package model

import "time"

// SnapshotID is the unique identifier for a snapshot.
type SnapshotID string

// NewSnapshotID generates a new unique snapshot ID.
func NewSnapshotID() SnapshotID {
	return SnapshotID(newID())
}

// ShortID returns the first 8 characters for display.
func (id SnapshotID) ShortID() string {
	return shortID(string(id))
}

// String returns the full snapshot ID as string.
func (id SnapshotID) String() string {
	return string(id)
}

// SnapshotRecord is the on-disk snapshot metadata, stored next to the
// archive as record.json.
type SnapshotRecord struct {
	ID          SnapshotID    `json:"id"`
	Name        string        `json:"name"`
	SourcePath  string        `json:"source_path"`
	ArchivePath string        `json:"archive_path"`
	Format      ArchiveFormat `json:"format"`
	CreatedAt   time.Time     `json:"created_at"`
	SizeBytes   int64         `json:"size_bytes"`
	SourceBytes int64         `json:"source_bytes"`
	// Checksum is the sha256 of the archive file. Empty for mirrors.
	Checksum         HashValue `json:"checksum,omitempty"`
	CompressionRatio float64   `json:"compression_ratio"`
	FileCount        int       `json:"file_count"`
	// LinkDest is the mirror that unchanged files were hard-linked against.
	LinkDest string `json:"link_dest,omitempty"`
}

// HasChecksum reports whether the record can be verified byte for byte.
func (r *SnapshotRecord) HasChecksum() bool {
	return r.Checksum != ""
}

// Age returns how old the snapshot is at now.
func (r *SnapshotRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}
