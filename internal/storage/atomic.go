package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultHistoryKeep is how many rotated history files survive pruning.
const DefaultHistoryKeep = 3

// atomicWrite commits data to path via temp file + fsync + rename. A reader
// racing the writer sees either the prior or the new whole file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrStorage, dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing temp file: %v", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing temp file: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: committing %s: %v", ErrStorage, path, err)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrStorage, path, err)
	}
	return data, nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding yaml for %s: %v", ErrStorage, path, err)
	}
	return atomicWrite(path, data)
}

func readYAML(path string, v any) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parsing yaml %s: %v", ErrValidation, path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding json for %s: %v", ErrStorage, path, err)
	}
	return atomicWrite(path, data)
}

func readJSON(path string, v any) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parsing json %s: %v", ErrValidation, path, err)
	}
	return nil
}

// readJSONLines streams one JSON object per line, skipping blank lines.
// Malformed lines are returned to the caller for backward-compat coercion.
func readJSONLines(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrStorage, path, err)
	}
	defer f.Close()

	var rows []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rows = append(rows, json.RawMessage(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning %s: %v", ErrStorage, path, err)
	}
	return rows, nil
}

// writeJSONLines rewrites the whole JSONL file atomically.
func writeJSONLines(path string, rows []any) error {
	var sb strings.Builder
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("%w: encoding jsonl row for %s: %v", ErrStorage, path, err)
		}
		sb.Write(data)
		sb.WriteByte('\n')
	}
	return atomicWrite(path, []byte(sb.String()))
}

// appendJSONLine appends a single row. Appends of one line are atomic enough
// for the append-only files; full rewrites go through writeJSONLines.
func appendJSONLine(path string, row any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrStorage, filepath.Dir(path), err)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("%w: encoding jsonl row: %v", ErrStorage, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s for append: %v", ErrStorage, path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: appending to %s: %v", ErrStorage, path, err)
	}
	return nil
}

// rotateIntoHistory moves the current live file at path into
// historyDir/<stem>_<UTC-ts><ext> and prunes history to keep entries with the
// same stem. Missing live files are a no-op.
func rotateIntoHistory(path, historyDir string, keep int) error {
	if keep <= 0 {
		keep = DefaultHistoryKeep
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrStorage, historyDir, err)
	}
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	ts := time.Now().UTC().Format("20060102T150405.000000000")
	dest := filepath.Join(historyDir, fmt.Sprintf("%s_%s%s", stem, ts, ext))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("%w: rotating %s: %v", ErrStorage, path, err)
	}
	return pruneHistory(historyDir, stem+"_", ext, keep)
}

// pruneHistory removes the oldest matching history files beyond keep.
func pruneHistory(historyDir, prefix, ext string, keep int) error {
	entries, err := os.ReadDir(historyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: listing %s: %v", ErrStorage, historyDir, err)
	}
	var matches []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			matches = append(matches, name)
		}
	}
	if len(matches) <= keep {
		return nil
	}
	// Timestamps sort lexicographically; oldest first.
	sort.Strings(matches)
	for _, name := range matches[:len(matches)-keep] {
		if err := os.Remove(filepath.Join(historyDir, name)); err != nil {
			return fmt.Errorf("%w: pruning %s: %v", ErrStorage, name, err)
		}
	}
	return nil
}

// newestMtime walks paths (files or directories) and returns the newest
// modification time in unix nanoseconds, or 0 when nothing exists.
func newestMtime(paths ...string) int64 {
	var newest int64
	var visit func(string)
	visit = func(p string) {
		info, err := os.Stat(p)
		if err != nil {
			return
		}
		if !info.IsDir() {
			if t := info.ModTime().UnixNano(); t > newest {
				newest = t
			}
			return
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return
		}
		for _, e := range entries {
			visit(filepath.Join(p, e.Name()))
		}
	}
	for _, p := range paths {
		visit(p)
	}
	return newest
}
