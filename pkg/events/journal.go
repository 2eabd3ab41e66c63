package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileJournal appends every event as one JSON line. It is the local audit
// trail when no broker is configured.
type FileJournal struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &FileJournal{f: f, enc: json.NewEncoder(f)}, nil
}

func (j *FileJournal) Publish(_ context.Context, evs ...Event) error {
	if err := checkEncoded(evs); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ev := range evs {
		if err := j.enc.Encode(ev); err != nil {
			return fmt.Errorf("journal append: %w", err)
		}
	}
	return nil
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
