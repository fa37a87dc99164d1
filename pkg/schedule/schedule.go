// Package schedule runs registered scripts on cron expressions.
//
// A tick is just another submission: it mints an execution ID, goes through
// the tracker's admission like any caller, and is skipped (not queued) when
// the script is already running.
package schedule

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cartoflow/cartoflow/pkg/log"
	"github.com/cartoflow/cartoflow/pkg/script/engine"
	"github.com/cartoflow/cartoflow/pkg/script/params"
	"github.com/cartoflow/cartoflow/pkg/script/registry"
	"github.com/cartoflow/cartoflow/pkg/script/tracker"
)

// Scheduler fires registered scripts on their cron expressions.
type Scheduler struct {
	Engine   *engine.Engine
	Registry *registry.Registry
	Tracker  *tracker.Tracker

	cron *cron.Cron
}

// New creates a stopped scheduler. Expressions use the standard five-field
// cron syntax.
func New(eng *engine.Engine, reg *registry.Registry, trk *tracker.Tracker) *Scheduler {
	return &Scheduler{
		Engine:   eng,
		Registry: reg,
		Tracker:  trk,
		cron:     cron.New(),
	}
}

// Add registers a cron entry for the script. The script must already be
// registered; the program path is re-resolved on every tick, so a
// re-uploaded program takes effect without rescheduling.
func (s *Scheduler) Add(scriptID, expr string, parameters *params.Ordered) error {
	if !s.Registry.Exists(scriptID) {
		return fmt.Errorf("schedule %s: script not registered", scriptID)
	}

	_, err := s.cron.AddFunc(expr, func() {
		s.fire(scriptID, parameters)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", scriptID, expr, err)
	}

	log.Info("scheduled %s (%s)", scriptID, expr)
	return nil
}

// Start begins firing entries. Safe to call with none registered.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the timer and waits for in-flight ticks to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(scriptID string, parameters *params.Ordered) {
	executionID := uuid.NewString()

	if err := s.Tracker.TryAdmit(scriptID, executionID); err != nil {
		var conflict *tracker.ConflictError
		if errors.As(err, &conflict) {
			log.Warn("schedule %s: skipped, execution %s still running", scriptID, conflict.ExecutionID)
			return
		}
		log.Fail("schedule %s: admission: %v", scriptID, err)
		return
	}

	program := s.Registry.ProgramPath(scriptID)
	if _, err := s.Engine.Execute(context.Background(), program, scriptID, executionID, parameters); err != nil {
		log.Fail("schedule %s/%s: %v", scriptID, executionID, err)
	}
}
