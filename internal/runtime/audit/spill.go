package audit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/buskit-dev/buskit/internal/runtime/busmetrics"
	"github.com/buskit-dev/buskit/internal/runtime/logging"
)

const spillFileName = "audit-spill.jsonl"

// Spill is a durable local buffer for audit events that could not be
// published, one JSON event per line. Events survive a crash and are
// replayed to the audit exchange once the bus recovers.
type Spill struct {
	path string
	log  logging.ServiceLogger

	mu sync.Mutex
}

// NewSpill places the buffer file under dataDir.
func NewSpill(dataDir string, log logging.ServiceLogger) *Spill {
	if log == nil {
		log = logging.Nop()
	}
	return &Spill{path: filepath.Join(dataDir, spillFileName), log: log}
}

// Path returns the buffer file location.
func (s *Spill) Path() string { return s.path }

// Append persists one serialized event. The file is created on first use
// with owner-only permissions.
func (s *Spill) Append(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("audit spill: create dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit spill: open: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("audit spill: write: %w", err)
	}
	return nil
}

// Pending reports the number of buffered events.
func (s *Spill) Pending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, err := s.read()
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// Drain republishes buffered events in order. On the first publish
// failure the unpublished remainder, including the failed event, is
// written back so nothing is lost. Returns the number of events
// successfully republished.
func (s *Spill) Drain(ctx context.Context, pub Publisher) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.read()
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, nil
	}

	for i, line := range lines {
		if err := pub.PublishAudit(ctx, line); err != nil {
			if wErr := s.rewrite(lines[i:]); wErr != nil {
				return i, fmt.Errorf("audit spill: rewrite after failed replay: %w", wErr)
			}
			return i, fmt.Errorf("audit spill: replay event %d of %d: %w", i+1, len(lines), err)
		}
		busmetrics.AuditEventsPublished.Inc()
	}

	if err := os.Remove(s.path); err != nil {
		return len(lines), fmt.Errorf("audit spill: remove drained buffer: %w", err)
	}
	return len(lines), nil
}

// StartReplay runs Drain on the given interval until the context is
// cancelled. Failures are logged and retried on the next tick.
func (s *Spill) StartReplay(ctx context.Context, pub Publisher, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Drain(ctx, pub)
				if err != nil {
					s.log.Debug("audit spill replay incomplete", logging.LogFields{
						"replayed": n,
						"error":    err.Error(),
					})
					continue
				}
				if n > 0 {
					s.log.Info("replayed spilled audit events", logging.LogFields{"count": n})
				}
			}
		}
	}()
}

// read returns the buffered lines. Caller holds the lock.
func (s *Spill) read() ([][]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit spill: read: %w", err)
	}

	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// rewrite atomically replaces the buffer with the given lines. Caller
// holds the lock.
func (s *Spill) rewrite(lines [][]byte) error {
	tmp := s.path + ".tmp"
	buf := bytes.Join(lines, []byte{'\n'})
	if len(buf) > 0 {
		buf = append(buf, '\n')
	}
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
