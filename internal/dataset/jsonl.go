package dataset

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/vk/etlgrid/internal/fsutil"
)

// The spill format is JSONL: one meta object on the first line carrying the
// column schema, then one JSON object per record. It exists so checkpointed
// batches survive process restarts and can be restored on resume.

type jsonlMeta struct {
	Columns []string `json:"columns"`
	Source  string   `json:"source"`
}

// WriteJSONL spills a batch to path atomically and returns the hex sha256 of
// the written file.
func WriteJSONL(path string, b *Batch) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	if err := enc.Encode(jsonlMeta{Columns: b.Columns, Source: b.Source}); err != nil {
		return "", fmt.Errorf("encode batch meta: %w", err)
	}
	for i, r := range b.Records {
		row := make(map[string]any, len(r))
		for col, v := range r {
			gv, err := ValueToInterface(v)
			if err != nil {
				return "", fmt.Errorf("encode record %d column %q: %w", i, col, err)
			}
			row[col] = gv
		}
		if err := enc.Encode(row); err != nil {
			return "", fmt.Errorf("encode record %d: %w", i, err)
		}
	}

	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// ReadJSONL restores a batch previously written by WriteJSONL.
func ReadJSONL(path string) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("batch file %q is empty", path)
	}
	var meta jsonlMeta
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return nil, fmt.Errorf("decode batch meta: %w", err)
	}

	b := NewBatch(meta.Columns)
	b.Source = meta.Source
	line := 1
	for scanner.Scan() {
		line++
		var row map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return nil, fmt.Errorf("decode record at line %d: %w", line, err)
		}
		r := make(Record, len(row))
		for col, gv := range row {
			cv, err := InterfaceToValue(gv)
			if err != nil {
				return nil, fmt.Errorf("decode record at line %d column %q: %w", line, col, err)
			}
			r[col] = cv
		}
		b.Append(r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

// FileSHA256 returns the hex sha256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
