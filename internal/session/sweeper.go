package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/termhub/internal/crashguard"
	"github.com/robfig/cron/v3"
)

// DefaultSweepInterval is how often the orphan sweep runs.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper runs Manager.Sweep on a fixed interval.
type Sweeper struct {
	cron *cron.Cron
	mgr  *Manager
}

// NewSweeper schedules the orphan sweep. Call Start to begin.
func NewSweeper(m *Manager, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s := &Sweeper{cron: c, mgr: m}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), s.run); err != nil {
		return nil, fmt.Errorf("schedule orphan sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	defer crashguard.Recover("sweeper")
	if n := s.mgr.Sweep(); n > 0 {
		log.Printf("[sweeper] reclaimed %d orphaned sessions", n)
	}
}

// Start begins sweeping in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	log.Printf("[sweeper] started")
}

// Stop halts future sweeps and waits for a running one to finish or ctx to
// expire.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
