package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaycode/cah/internal/store"
)

// scheduleExecutor implements the calendar-wait node of spec.md §4.3: it
// suspends either until an absolute Datetime or the next firing of a
// cron expression. The daemon's waiting-task recovery cron job (see
// internal/scheduler) may also mark the wait satisfied directly via
// scheduleTriggerKey when it finds a node whose deadline has already
// passed across a restart; per DESIGN.md's Open Question (a) decision,
// that recovery flag takes precedence over recomputing the schedule.
type scheduleExecutor struct{}

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func scheduleTriggerKey(nodeID string) string { return "_scheduleWaitTriggered_" + nodeID }

func (scheduleExecutor) Execute(_ context.Context, rt *Runtime, node store.Node) (Output, error) {
	key := scheduleTriggerKey(node.ID)
	if _, triggered := rt.Instance.Variables[key]; triggered {
		delete(rt.Instance.Variables, key)
		return Output{}, nil
	}

	cfg := node.Config
	switch {
	case cfg.Datetime != nil:
		if time.Now().Before(*cfg.Datetime) {
			return Output{}, &ErrWaitingUntil{Until: *cfg.Datetime}
		}
		return Output{}, nil
	case cfg.Cron != "":
		state := rt.Instance.NodeStates[node.ID]
		if state == nil || state.StartedAt == nil {
			return Output{}, fmt.Errorf("nodes: schedule node %s missing start time", node.ID)
		}
		sched, err := standardParser.Parse(cfg.Cron)
		if err != nil {
			return Output{}, fmt.Errorf("%w: invalid cron expression: %v", ErrNodeFailed, err)
		}
		next := sched.Next(*state.StartedAt)
		if time.Now().Before(next) {
			return Output{}, &ErrWaitingUntil{Until: next}
		}
		return Output{}, nil
	default:
		return Output{}, fmt.Errorf("%w: schedule node %s has neither datetime nor cron", ErrNodeFailed, node.ID)
	}
}
