package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// saveJSON writes v to path via a temp file and atomic rename, so readers
// never observe a torn document.
func saveJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("error renaming %s: %w", tmp, err)
	}
	return nil
}

// loadJSON reads path into v. A missing file returns os.ErrNotExist;
// malformed content returns the unmarshal error so the caller can log and
// start empty.
func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error parsing %s: %w", path, err)
	}
	return nil
}
