package analytics

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileFlusher appends events as JSON lines to a local file. It stands in
// for the production analytics pipeline in deployments that only need a
// tail-able record; the sink already batches, so each Flush is one
// buffered write plus a sync.
type FileFlusher struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewFileFlusher opens (or creates) the file in append mode.
func NewFileFlusher(path string) (*FileFlusher, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open analytics file: %w", err)
	}
	return &FileFlusher{f: f, w: bufio.NewWriter(f)}, nil
}

// Flush implements Flusher.
func (ff *FileFlusher) Flush(_ context.Context, events []Event) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	enc := json.NewEncoder(ff.w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode analytics event: %w", err)
		}
	}
	if err := ff.w.Flush(); err != nil {
		return fmt.Errorf("write analytics file: %w", err)
	}
	return nil
}

// Close flushes buffered lines and closes the file.
func (ff *FileFlusher) Close() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if err := ff.w.Flush(); err != nil {
		ff.f.Close()
		return err
	}
	return ff.f.Close()
}
