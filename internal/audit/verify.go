package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

type lineError struct {
	line int
	err  error
}

func (e *lineError) Error() string { return e.err.Error() }

// scan calls fn for every line of path with its parsed entry.
func scan(path string, fn func(n int, line []byte, e Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	n := 0
	for scanner.Scan() {
		n++
		line := append([]byte(nil), scanner.Bytes()...)
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return &lineError{line: n, err: fmt.Errorf("parse error: %w", err)}
		}
		if err := fn(n, line, e); err != nil {
			return &lineError{line: n, err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

// Verify walks the chain in path and reports the first broken link.
func Verify(path string) VerifyResult {
	var prev []byte
	lines := 0
	err := scan(path, func(n int, line []byte, e Entry) error {
		want := GenesisHash
		if n > 1 {
			want = HashLine(prev)
		}
		if e.PrevHash != want {
			if n == 1 {
				return fmt.Errorf("first entry prev_hash is %q, expected genesis hash", e.PrevHash)
			}
			return fmt.Errorf("hash mismatch: expected %s, got %s", want, e.PrevHash)
		}
		prev = line
		lines = n
		return nil
	})
	if err != nil {
		var le *lineError
		if errors.As(err, &le) {
			return VerifyResult{Lines: lines, Error: le.Error(), ErrorLine: le.line}
		}
		return VerifyResult{Error: err.Error()}
	}
	return VerifyResult{Valid: true, Lines: lines}
}
