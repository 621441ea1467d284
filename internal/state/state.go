// Package state persists control-plane records as JSON files. Writes go
// through a temp file and rename so a crash mid-write never leaves a torn
// file, and the Saver coalesces bursts of changes into one write.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/clock"
)

// SaveJSON writes v as indented JSON to path atomically.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadJSON reads path into v. A missing file is reported with os.IsNotExist
// so callers can treat first boot as empty state.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Saver runs one background goroutine that persists state some time after
// the last change rather than on every change. Kick marks the state dirty;
// the save function runs once per quiet period and once more on Stop.
type Saver struct {
	name     string
	debounce time.Duration
	save     func() error
	clk      clock.Clock
	logger   *zap.Logger

	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSaver builds a saver; call Start to run it.
func NewSaver(name string, debounce time.Duration, save func() error, clk clock.Clock, logger *zap.Logger) *Saver {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Saver{
		name:     name,
		debounce: debounce,
		save:     save,
		clk:      clk,
		logger:   logger.Named("state").With(zap.String("file", name)),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background loop.
func (s *Saver) Start() {
	go s.loop()
}

// Kick marks the state dirty. Never blocks; repeated kicks coalesce.
func (s *Saver) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Stop flushes pending changes and waits for the loop to exit.
func (s *Saver) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Saver) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			s.flushIfDirty()
			return
		case <-s.kick:
			// Let the burst settle before writing.
			select {
			case <-s.stopCh:
				s.runSave()
				return
			case <-s.clk.After(s.debounce):
			}
			// Drain kicks that arrived during the wait; this write
			// covers them.
			select {
			case <-s.kick:
			default:
			}
			s.runSave()
		}
	}
}

func (s *Saver) flushIfDirty() {
	select {
	case <-s.kick:
		s.runSave()
	default:
	}
}

func (s *Saver) runSave() {
	if err := s.save(); err != nil {
		s.logger.Error("persist failed", zap.Error(err))
		return
	}
	s.logger.Debug("persisted")
}
