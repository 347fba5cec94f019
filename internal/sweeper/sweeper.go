// Package sweeper runs the periodic session reaper. Expiry itself is
// lazy; the sweeper only reclaims resources held by sessions nobody
// touches anymore.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Reaper releases idle sessions and reports how many it reclaimed.
type Reaper interface {
	ReapIdle() int
}

type Service struct {
	interval time.Duration
	reaper   Reaper

	mu      sync.Mutex
	cron    *rcron.Cron
	entryID rcron.EntryID
	cancel  context.CancelFunc
	sweeps  int
	reaped  int
}

func NewService(interval time.Duration, reaper Reaper) *Service {
	return &Service{
		interval: interval,
		reaper:   reaper,
	}
}

func (s *Service) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("sweeper: interval must be positive, got %s", s.interval)
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.cron = rcron.New()
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.sweep)
	if err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("sweeper: register schedule: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.mu.Unlock()

	log.Printf("[sweeper] started, interval %s", s.interval)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()

	return nil
}

func (s *Service) sweep() {
	reaped := s.reaper.ReapIdle()

	s.mu.Lock()
	s.sweeps++
	s.reaped += reaped
	s.mu.Unlock()

	if reaped > 0 {
		log.Printf("[sweeper] reclaimed %d idle sessions", reaped)
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		// Wait for an in-flight sweep to drain before returning.
		<-c.Stop().Done()
		log.Printf("[sweeper] stopped")
	}
}

// Stats reports lifetime sweep counts, mostly for the status command.
func (s *Service) Stats() (sweeps, reaped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps, s.reaped
}
