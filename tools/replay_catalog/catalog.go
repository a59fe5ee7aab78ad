package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"driftpursuit/radarcore/internal/replay"
)

// Entry pairs a session header with the manifest it points at.
type Entry struct {
	SessionDir string          `json:"session_dir"`
	Header     replay.Header   `json:"header"`
	Manifest   replay.Manifest `json:"manifest"`
}

// List walks root and returns every recorded session, ordered by scenario then creation time.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Headers are only written when a session closes, so they mark complete sessions.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != "header.json" {
			return nil
		}
		header, err := replay.ReadHeader(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		dir := filepath.Dir(path)
		manifest, err := replay.ReadManifest(dir)
		if err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		entries = append(entries, Entry{SessionDir: dir, Header: header, Manifest: manifest})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Header.Scenario != b.Header.Scenario {
			return a.Header.Scenario < b.Header.Scenario
		}
		if a.Manifest.CreatedAt != b.Manifest.CreatedAt {
			return a.Manifest.CreatedAt < b.Manifest.CreatedAt
		}
		return a.SessionDir < b.SessionDir
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
