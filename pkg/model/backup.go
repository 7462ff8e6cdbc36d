package model

import (
	"sort"
	"time"
)

// BackupID is the unique identifier for an incremental backup.
type BackupID string

// NewBackupID generates a new unique backup ID.
func NewBackupID() BackupID {
	return BackupID(newID())
}

// ShortID returns the first 8 characters for display.
func (id BackupID) ShortID() string {
	return shortID(string(id))
}

func (id BackupID) String() string {
	return string(id)
}

// FileRecord describes one file of a source tree at capture time.
type FileRecord struct {
	// Path is slash-separated and relative to the source root.
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Mode    uint32    `json:"mode"`
	Hash    HashValue `json:"hash"`
	// BackedUp is true when this backup physically stores the content.
	BackedUp bool `json:"backed_up"`
	// BackupPath is relative to the backup's storage directory.
	BackupPath string `json:"backup_path,omitempty"`
}

// FileIndex maps relative paths to their records.
type FileIndex map[string]*FileRecord

// Paths returns the index keys in sorted order.
func (idx FileIndex) Paths() []string {
	paths := make([]string, 0, len(idx))
	for p := range idx {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// BackupManifest describes one incremental backup. Files always holds the
// complete reconstructible state; only entries with BackedUp set are stored
// by this backup.
type BackupManifest struct {
	ID            BackupID  `json:"id"`
	Name          string    `json:"name"`
	SourcePath    string    `json:"source_path"`
	StorageDir    string    `json:"storage_dir"`
	CreatedAt     time.Time `json:"created_at"`
	ParentID      BackupID  `json:"parent_id,omitempty"`
	Files         FileIndex `json:"files"`
	NewFiles      int       `json:"new_files"`
	ModifiedFiles int       `json:"modified_files"`
	DeletedFiles  int       `json:"deleted_files"`
	TotalSize     int64     `json:"total_size"`
	// RootMode is the permission of the source directory itself.
	RootMode uint32 `json:"root_mode,omitempty"`
}

// IsFull reports whether the backup has no parent.
func (m *BackupManifest) IsFull() bool {
	return m.ParentID == ""
}

// StoredFiles returns the number of files physically stored by this backup.
func (m *BackupManifest) StoredFiles() int {
	n := 0
	for _, f := range m.Files {
		if f.BackedUp {
			n++
		}
	}
	return n
}
