// Package storage holds the small file primitives shared by the file-backed
// store implementations: append-only NDJSON logs and whole-document JSON
// files rewritten atomically on each mutation.
package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/goliatone/go-errors"
)

// EnsureDir creates the directory (and parents) when missing.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "create storage directory").
			WithTextCode("STORAGE_DIR_FAILED").
			WithMetadata(map[string]any{"path": path})
	}
	return nil
}

// AppendLine marshals value and appends it as one NDJSON line, syncing the
// file before returning so an acknowledged append survives a crash.
func AppendLine(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode log record").
			WithTextCode("STORAGE_ENCODE_FAILED")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return wrapIOError(err, "open log file", path)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return wrapIOError(err, "append log record", path)
	}
	if err := f.Sync(); err != nil {
		return wrapIOError(err, "sync log file", path)
	}
	return nil
}

// ReadLines returns every parseable NDJSON line in the file. Corrupt lines
// are skipped so one bad record never blocks the rest of history. A missing
// file yields no lines and no error.
func ReadLines(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapIOError(err, "open log file", path)
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		lines = append(lines, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapIOError(err, "read log file", path)
	}
	return lines, nil
}

// ReadDocument unmarshals the JSON document at path into out. It reports
// false when the file is missing, empty, or unreadable as JSON, leaving out
// untouched, matching the graceful-degrade contract of the file backends.
func ReadDocument(path string, out any) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wrapIOError(err, "read document", path)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, nil
	}
	return true, nil
}

// WriteDocument rewrites the JSON document atomically (temp file + rename).
func WriteDocument(path string, value any) error {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode document").
			WithTextCode("STORAGE_ENCODE_FAILED")
	}

	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return wrapIOError(err, "write temp document", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return wrapIOError(err, "replace document", path)
	}
	return nil
}

func wrapIOError(err error, message, path string) error {
	return errors.Wrap(err, errors.CategoryExternal, message).
		WithTextCode("STORAGE_IO_FAILED").
		WithMetadata(map[string]any{"path": path})
}
