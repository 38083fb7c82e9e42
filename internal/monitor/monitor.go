package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/terrascape/foliage/internal/logging"
	"github.com/terrascape/foliage/internal/orchestrator"
	"github.com/terrascape/foliage/internal/pool"
)

// Orchestrator is the part of the placement orchestrator the monitor reads.
type Orchestrator interface {
	State() orchestrator.State
	IsBuilding() bool
	Ticks() uint64
	InstanceCount() int
	LastReport() (orchestrator.Report, bool)
}

// Pools exposes pool snapshots.
type Pools interface {
	Pools() []pool.PoolInfo
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Orchestrator Orchestrator
	Pools        Pools
	LogManager   *logging.SlogManager
	StatusFile   string
	Interval     time.Duration
}

// Status is one snapshot of the pipeline.
type Status struct {
	Time      time.Time            `json:"time"`
	State     string               `json:"state"`
	Building  bool                 `json:"building"`
	Ticks     uint64               `json:"ticks"`
	Instances int                  `json:"instances"`
	Pools     []pool.PoolInfo      `json:"pools"`
	LastBuild *orchestrator.Report `json:"lastBuild,omitempty"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStatus returns the current pipeline status.
func (s *Service) GetStatus() Status {
	st := Status{
		Time:      time.Now().UTC(),
		State:     s.deps.Orchestrator.State().String(),
		Building:  s.deps.Orchestrator.IsBuilding(),
		Ticks:     s.deps.Orchestrator.Ticks(),
		Instances: s.deps.Orchestrator.InstanceCount(),
	}
	if s.deps.Pools != nil {
		st.Pools = s.deps.Pools.Pools()
	}
	if r, ok := s.deps.Orchestrator.LastReport(); ok {
		st.LastBuild = &r
	}
	return st
}

// WriteStatus writes the current status as indented JSON.
func (s *Service) WriteStatus(w io.Writer) error {
	data, err := json.MarshalIndent(s.GetStatus(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing status: %w", err)
	}
	return nil
}

func (s *Service) logger() *slog.Logger {
	if s.deps.LogManager == nil {
		return slog.Default()
	}
	return s.deps.LogManager.Logger()
}

// Start starts the status monitor goroutine. It rewrites StatusFile every
// Interval until Stop is called.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}

	var statusFile *os.File
	if s.deps.StatusFile != "" {
		f, err := os.Create(s.deps.StatusFile)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("creating status file: %w", err)
		}
		statusFile = f
	}

	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if statusFile != nil {
			defer statusFile.Close()
		}

		logger := s.logger()
		logger.Debug("Starting status monitor goroutine", "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if statusFile == nil {
					st := s.GetStatus()
					logger.Debug("status", "state", st.State, "ticks", st.Ticks, "instances", st.Instances)
					continue
				}
				if err := s.rewrite(statusFile); err != nil {
					logger.Error("Error writing status file", "error", err)
				}
			}
		}
	}()

	return nil
}

func (s *Service) rewrite(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	return s.WriteStatus(f)
}

// Stop stops the status monitor and waits for the goroutine to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
}
