// Package notify delivers workflow lifecycle events to interested parties.
//
// Publish is fire-and-forget from the engine's point of view: the
// engine logs and swallows publish errors at the boundary so that a
// misbehaving sink can never block or fail a run loop.
package notify

import (
	"context"

	"github.com/orchcmd/orchcmd/logkeys"
	"github.com/orchcmd/orchcmd/workflow"

	"github.com/micromdm/nanolib/log"
)

// Notifier publishes workflow lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, ev *workflow.Event) error
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Publish(_ context.Context, _ *workflow.Event) error {
	return nil
}

// LogNotifier writes each event to a structured logger.
type LogNotifier struct {
	logger log.Logger
}

func NewLogNotifier(logger log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Publish(_ context.Context, ev *workflow.Event) error {
	logs := []interface{}{
		logkeys.Event, ev.EventFlag,
		logkeys.InstanceID, ev.InstanceID,
	}
	if ev.StepID != "" {
		logs = append(logs, logkeys.StepID, ev.StepID)
	}
	if ev.Attempt > 0 {
		logs = append(logs, logkeys.Attempt, ev.Attempt)
	}
	if ev.Err != "" {
		logs = append(logs, logkeys.Error, ev.Err)
	}
	n.logger.Info(logs...)
	return nil
}
