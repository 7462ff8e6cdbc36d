package jsonutil

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ckpt-project/ckpt/pkg/fsutil"
)

// WriteFile atomically writes v as indented JSON.
func WriteFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return fsutil.AtomicWrite(path, append(data, '\n'), 0644)
}

// ReadFile decodes the JSON file at path into v.
func ReadFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
