package upload

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/data-platform/dataset-upload/internal/observability"
)

// Sweeper runs SweepExpired on a cron schedule.
type Sweeper struct {
	service *Service
	cron    *cron.Cron
	logger  *observability.Logger
}

// NewSweeper schedules the expiry sweep. schedule is a standard five-field
// cron expression.
func NewSweeper(service *Service, schedule string, logger *observability.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	s := &Sweeper{
		service: service,
		cron:    cron.New(),
		logger:  logger.WithComponent("sweeper"),
	}

	_, err := s.cron.AddFunc(schedule, s.run)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.service.SweepExpired(ctx); err != nil {
		s.logger.WithContext(ctx).Error("expiry sweep failed", err)
	}
}

// Start begins the scheduled sweeps.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
