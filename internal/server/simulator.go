package server

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
)

// DefaultStep is the simulator's tick interval.
const DefaultStep = 500 * time.Millisecond

// Simulator advances stored tasks on a ticker and pushes every change to the
// task's websocket subscribers.
type Simulator struct {
	store  *Store
	hub    *Hub
	step   time.Duration
	logger *log.Logger
}

// NewSimulator creates a simulator. A non-positive step uses [DefaultStep].
func NewSimulator(store *Store, hub *Hub, step time.Duration, logger *log.Logger) *Simulator {
	if step <= 0 {
		step = DefaultStep
	}
	return &Simulator{store: store, hub: hub, step: step, logger: logger}
}

// Run ticks until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick advances every unfinished task once and returns how many changed.
func (s *Simulator) Tick(now time.Time) int {
	changed := s.store.Advance(now)
	for _, task := range changed {
		s.Publish(task)
	}
	return len(changed)
}

// Publish sends a snapshot to the task's subscribers and closes them once it is terminal.
func (s *Simulator) Publish(task models.GenerationTask) {
	msg, err := shared.MarshalJSON(task, false)
	if err != nil {
		s.logger.Error("failed to encode snapshot", "task_id", task.TaskID, "err", err)
		return
	}

	s.hub.Broadcast(task.TaskID, msg)
	if task.IsTerminal() {
		s.logger.Info("task finished", "task_id", task.TaskID, "status", task.Status)
		s.hub.CloseTask(task.TaskID)
	}
}
