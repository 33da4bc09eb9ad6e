// Package status fans pipeline progress reports out to observers: an
// in-memory tracker for the HTTP surface, a JSON side-channel file, and any
// remote publisher such as MQTT.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/fsutil"
)

// Publisher receives status reports. It matches pipeline.StatusPublisher.
type Publisher interface {
	Publish(ctx context.Context, s domain.Status) error
}

// Tracker keeps the latest status in memory.
type Tracker struct {
	mu      sync.RWMutex
	current domain.Status
	set     bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Publish(_ context.Context, s domain.Status) error {
	s.Files = slices.Clone(s.Files)
	t.mu.Lock()
	t.current = s
	t.set = true
	t.mu.Unlock()
	return nil
}

// Current returns the latest status. Before the first report it returns an
// idle pending status.
func (t *Tracker) Current() domain.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.set {
		return domain.NewStatus(domain.StatePending, domain.PhaseIdle, "waiting for first cycle")
	}
	s := t.current
	s.Files = slices.Clone(s.Files)
	return s
}

// FileWriter rewrites a JSON file with every status report. The file is
// replaced atomically so pollers never read a truncated document.
type FileWriter struct {
	path string
	mu   sync.Mutex
}

func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

func (w *FileWriter) Publish(_ context.Context, s domain.Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return fsutil.WriteAtomic(w.path, func(out io.Writer) error {
		if _, err := out.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write status: %w", err)
		}
		return nil
	})
}

// ReadFile loads a status document written by FileWriter.
func ReadFile(path string) (domain.Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Status{}, err
	}
	var s domain.Status
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return s, nil
}

// Fanout forwards each report to every publisher. A failing publisher does
// not prevent delivery to the others.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, s domain.Status) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
