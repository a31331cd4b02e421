package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"foreman/internal/logging"
	"foreman/internal/workflows/runtime"
)

// SweeperService drives the engine's periodic sweep: firing due timeouts and
// evicting aged instances. Scheduling rides on cron with seconds precision.
type SweeperService struct {
	cron     *cron.Cron
	engine   *runtime.Engine
	interval time.Duration
	entry    cron.EntryID
}

func NewSweeperService(engine *runtime.Engine, interval time.Duration) *SweeperService {
	if interval <= 0 {
		interval = time.Second
	}
	c := cron.New(cron.WithSeconds(),
		cron.WithLogger(cron.PrintfLogger(log.New(log.Writer(), "CRON: ", log.LstdFlags))))
	return &SweeperService{
		cron:     c,
		engine:   engine,
		interval: interval,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *SweeperService) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	entry, err := s.cron.AddFunc(spec, func() {
		s.engine.Sweep(time.Now())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.entry = entry

	s.cron.Start()
	logging.Info("Sweeper started (interval %s)", s.interval)
	return nil
}

// Stop halts the scheduler, waiting briefly for an in-flight sweep.
func (s *SweeperService) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		<-s.cron.Stop().Done()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("Sweeper stopped")
	case <-ctx.Done():
		logging.Error("Sweeper stop timed out, abandoning in-flight sweep")
	}
}
