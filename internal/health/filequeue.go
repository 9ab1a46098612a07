package health

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var _ Queue = (*FileQueue)(nil)

const (
	journalEnqueue = "enqueue"
	journalPop     = "pop"
)

type journalLine struct {
	Op    string              `json:"op"`
	ID    string              `json:"id,omitempty"`
	Entry *QueuedRegistration `json:"entry,omitempty"`
}

// FileQueue is a queue backed by an append-only JSON lines journal so queued
// registrations survive a restart. The journal is truncated whenever the
// queue becomes empty.
type FileQueue struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	entries []QueuedRegistration
}

// OpenFileQueue replays the journal at path and opens it for appending.
func OpenFileQueue(path string) (*FileQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("health: create queue dir: %w", err)
	}
	q := &FileQueue{path: path}
	if err := q.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("health: open queue journal: %w", err)
	}
	q.f = f
	return q, nil
}

func (q *FileQueue) replay() error {
	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("health: open queue journal: %w", err)
	}
	defer f.Close()

	var (
		valid int64
		torn  bool
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			valid++
			continue
		}
		var line journalLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			torn = true
			break
		}
		valid += int64(len(sc.Bytes())) + 1
		switch line.Op {
		case journalEnqueue:
			if line.Entry != nil {
				q.entries = append(q.entries, *line.Entry)
			}
		case journalPop:
			if len(q.entries) > 0 && q.entries[0].ID == line.ID {
				q.entries = q.entries[1:]
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("health: read queue journal: %w", err)
	}
	if torn {
		// drop the partial write so new entries start on a clean line
		if err := os.Truncate(q.path, valid); err != nil {
			return fmt.Errorf("health: repair queue journal: %w", err)
		}
	}
	return nil
}

func (q *FileQueue) append(line journalLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := q.f.Write(data); err != nil {
		return fmt.Errorf("health: write queue journal: %w", err)
	}
	return q.f.Sync()
}

func (q *FileQueue) truncate() error {
	if err := q.f.Truncate(0); err != nil {
		return fmt.Errorf("health: truncate queue journal: %w", err)
	}
	return nil
}

func (q *FileQueue) Enqueue(_ context.Context, r QueuedRegistration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.append(journalLine{Op: journalEnqueue, Entry: &r}); err != nil {
		return 0, err
	}
	q.entries = append(q.entries, r)
	return len(q.entries), nil
}

func (q *FileQueue) List(_ context.Context) ([]QueuedRegistration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedRegistration(nil), q.entries...), nil
}

func (q *FileQueue) Peek(_ context.Context) (QueuedRegistration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return QueuedRegistration{}, ErrQueueEmpty
	}
	return q.entries[0], nil
}

func (q *FileQueue) Pop(_ context.Context) (QueuedRegistration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return QueuedRegistration{}, ErrQueueEmpty
	}
	head := q.entries[0]
	if len(q.entries) == 1 {
		if err := q.truncate(); err != nil {
			return QueuedRegistration{}, err
		}
	} else if err := q.append(journalLine{Op: journalPop, ID: head.ID}); err != nil {
		return QueuedRegistration{}, err
	}
	q.entries = q.entries[1:]
	return head, nil
}

func (q *FileQueue) Clear(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	if err := q.truncate(); err != nil {
		return 0, err
	}
	q.entries = nil
	return n, nil
}

func (q *FileQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// Close releases the journal file.
func (q *FileQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.f.Close()
}
