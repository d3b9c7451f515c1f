package scheduler

import (
	"context"
	"time"

	"github.com/nmasdoufi/cmdbscan/pkg/config"
	"github.com/nmasdoufi/cmdbscan/pkg/jobs"
	"github.com/nmasdoufi/cmdbscan/pkg/logging"
)

// Triggerer enqueues a scan job.
type Triggerer interface {
	Trigger() (jobs.Ack, error)
}

// Scheduler triggers scans based on config.
type Scheduler struct {
	cfg     config.SchedulerConfig
	trigger Triggerer
	log     *logging.Logger
}

// New creates scheduler.
func New(cfg config.SchedulerConfig, trigger Triggerer, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Discard()
	}
	return &Scheduler{cfg: cfg, trigger: trigger, log: log}
}

// Start launches periodic execution until ctx done.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Infof("scheduler disabled")
		return
	}
	interval, err := time.ParseDuration(s.cfg.Tick)
	if err != nil || interval <= 0 {
		s.log.Errorf("invalid scheduler tick %q: %v", s.cfg.Tick, err)
		return
	}
	s.log.Infof("scheduler started, tick %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ack, err := s.trigger.Trigger()
			if err != nil {
				s.log.Warnf("scheduled scan not started: %v", err)
				continue
			}
			s.log.Infof("scheduled scan %s queued", ack.JobID)
		}
	}
}
