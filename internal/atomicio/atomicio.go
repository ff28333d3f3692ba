// Package atomicio implements the write contracts every persistent
// artifact in the orchestrator relies on: atomic JSON/text writes
// (temp-file + rename), append-only JSONL events, and append-only text
// logs with normalized line endings.
package atomicio

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteJSON marshals v with sorted keys and indentation, appends a trailing
// newline, and writes it atomically: a sibling temp file is flushed and
// fsynced, then renamed over the destination. Readers observe either the
// previous file or the complete new one, never a partial write.
func WriteJSON(path string, v any) error {
	// Round-trip through map[string]interface{}/[]interface{} so
	// MarshalIndent sorts object keys regardless of the source struct's
	// field order.
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("normalizing %s: %w", path, err)
	}
	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return fmt.Errorf("indenting %s: %w", path, err)
	}
	out = append(out, '\n')
	return writeAtomic(path, out)
}

// ReadJSON reads and unmarshals a JSON artifact. Missing files return
// os.ErrNotExist (wrapped) so callers can distinguish "absent" from
// "corrupt" per the atomicity invariant.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// WriteText atomically writes text content, normalizing line terminators
// to "\n".
func WriteText(path, content string) error {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	return writeAtomic(path, []byte(normalized))
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating parent dir for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file into place for %s: %w", path, err)
	}
	return nil
}

// AppendJSONL appends one JSON-encoded event as a single self-contained
// line to path, creating parent directories and the file as needed.
func AppendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", path, err)
	}
	return AppendLine(path, string(data))
}

// AppendText appends content (normalized to "\n" line endings) to path,
// creating parent directories and the file as needed.
func AppendText(path, content string) error {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	return appendRaw(path, []byte(normalized))
}

// AppendLine appends one line (plus trailing "\n") to path.
func AppendLine(path, line string) error {
	line = strings.TrimRight(line, "\n")
	return appendRaw(path, []byte(line+"\n"))
}

func appendRaw(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s for append: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}

// SHA256File returns the lowercase hex SHA-256 digest of a file's bytes.
func SHA256File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return sha256Hex(data), nil
}

// SHA256Bytes returns the lowercase hex SHA-256 digest of b.
func SHA256Bytes(b []byte) string {
	return sha256Hex(b)
}

// IsValidJSON reports whether data parses as JSON (used by tests asserting
// the atomicity invariant: a target file is either absent or valid JSON).
func IsValidJSON(data []byte) bool {
	return json.Valid(bytes.TrimSpace(data))
}
