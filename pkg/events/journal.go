// Package events implements the append-only JSONL event journal and its
// best-effort webhook fan-out (spec.md §4.2, §6). Unlike the dashboard
// pub/sub a chat-assistant product needs, Antfarm's journal has exactly
// one reader class — operators tailing a file or re-ingesting it after
// the fact — so it is a flat rotating log, not a channel broadcaster.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/vardasoft/antfarm/pkg/models"
)

// MaxJournalBytes is the size at which the journal rotates, keeping one
// ".1" backup (spec.md §4.2).
const MaxJournalBytes = 10 * 1024 * 1024

// Journal appends Event records to a JSONL file and rotates it once it
// crosses MaxJournalBytes. All methods are safe for concurrent use.
type Journal struct {
	path string

	mu   sync.Mutex
	file *os.File
	size int64

	webhook *WebhookDispatcher
}

// NewJournal opens (creating if needed) the journal file at path.
func NewJournal(path string, webhook *WebhookDispatcher) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat journal %s: %w", path, err)
	}
	return &Journal{path: path, file: f, size: info.Size(), webhook: webhook}, nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Append writes one event to the journal, rotating first if needed, and
// fires the webhook (if configured) without blocking the caller on its
// outcome. Append itself never fails the caller's operation: journal and
// webhook errors are logged, not returned, because the pipeline state
// transition they describe has already committed (spec.md §4.2: "journal
// writes never block or fail a state transition").
func (j *Journal) Append(evt models.Event) {
	line, err := json.Marshal(evt)
	if err != nil {
		slog.Error("events: marshal event", "event", evt.Event, "error", err)
		return
	}
	line = append(line, '\n')

	j.mu.Lock()
	if j.size+int64(len(line)) > MaxJournalBytes {
		if err := j.rotateLocked(); err != nil {
			slog.Error("events: rotate journal", "error", err)
		}
	}
	n, err := j.file.Write(line)
	if err == nil {
		j.size += int64(n)
	}
	j.mu.Unlock()

	if err != nil {
		slog.Error("events: append journal", "event", evt.Event, "error", err)
		return
	}

	if j.webhook != nil {
		j.webhook.Dispatch(evt)
	}
}

// rotateLocked renames the current journal to a ".1" backup (overwriting
// any previous one) and opens a fresh file in its place. Caller must hold
// j.mu.
func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal before rotate: %w", err)
	}
	backup := j.path + ".1"
	if err := os.Rename(j.path, backup); err != nil {
		return fmt.Errorf("rotate journal to %s: %w", backup, err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen journal: %w", err)
	}
	j.file = f
	j.size = 0
	return nil
}

// Recent reads up to limit of the most recently appended events from the
// current journal file (and its ".1" backup if the current file has
// fewer than limit lines), oldest first.
func (j *Journal) Recent(limit int) ([]models.Event, error) {
	lines, err := j.tailLines(limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Event, 0, len(lines))
	for _, line := range lines {
		var evt models.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// ByRun reads events for one run, scanning back through the current file
// and its backup, oldest first, up to limit matches.
func (j *Journal) ByRun(runID string, limit int) ([]models.Event, error) {
	all, err := j.Recent(0) // 0 means "all available lines"
	if err != nil {
		return nil, err
	}
	out := make([]models.Event, 0, limit)
	for _, evt := range all {
		if evt.RunID != runID {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// tailLines returns up to limit raw lines from the backup file followed
// by the current file, oldest first. limit <= 0 means "all lines".
func (j *Journal) tailLines(limit int) ([][]byte, error) {
	j.mu.Lock()
	path := j.path
	j.mu.Unlock()

	var all [][]byte
	for _, p := range []string{path + ".1", path} {
		lines, err := readLines(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		all = append(all, lines...)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
