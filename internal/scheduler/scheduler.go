// Package scheduler runs registered strategy runtimes on cron
// expressions. Ticks are skipped while the emergency controller forbids
// operation.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tradeflow-ai/tradeflow/internal/pkg/emergency"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/logger"
	"github.com/tradeflow-ai/tradeflow/internal/workflow"
)

// Runner is the slice of the workflow runtime the scheduler drives.
type Runner interface {
	Execute(ctx context.Context) (*workflow.ExecutionRecord, error)
}

// Scheduler triggers runtimes on cron schedules. Expressions accept an
// optional leading seconds field.
type Scheduler struct {
	cron      *cron.Cron
	emergency *emergency.Controller
	log       zerolog.Logger

	mu      sync.Mutex
	entries map[cron.EntryID]string

	// wg tracks in-flight executions so Stop can wait for them.
	wg sync.WaitGroup
}

func New(em *emergency.Controller) *Scheduler {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		cron:      cron.New(cron.WithParser(parser)),
		emergency: em,
		log:       logger.WithComponent("scheduler"),
		entries:   make(map[cron.EntryID]string),
	}
}

// Add schedules runner on spec and returns the entry ID. The workflow ID
// is only used for logging.
func (s *Scheduler) Add(spec, workflowID string, runner Runner) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() {
		if !s.emergency.CanOperate() {
			s.log.Warn().Str("workflow_id", workflowID).Msg("Skipping scheduled run, operation forbidden")
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()

		rec, err := runner.Execute(context.Background())
		if err != nil {
			s.log.Error().Err(err).Str("workflow_id", workflowID).Msg("Scheduled execution failed")
			return
		}
		s.log.Info().
			Str("workflow_id", workflowID).
			Str("execution_id", rec.ExecutionID).
			Str("status", string(rec.Status)).
			Msg("Scheduled execution finished")
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.entries[id] = workflowID
	s.mu.Unlock()
	s.log.Info().Str("workflow_id", workflowID).Str("spec", spec).Msg("Strategy scheduled")
	return id, nil
}

// Remove cancels an entry. Unknown IDs are ignored.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Len reports the number of scheduled entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("entries", s.Len()).Msg("Scheduler started")
}

// Stop halts the cron runner and waits for executions it launched.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
}
