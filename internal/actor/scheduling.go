package actor

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/persist"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// scheduleEvent appends a scheduledEvent and (re)arms the nearest-deadline
// timer (§4.D Scheduling). Must run on the instance's executor.
func (i *Instance) scheduleEvent(at time.Time, actionName string, args any) (string, error) {
	if _, ok := i.def.Actions[actionName]; !ok {
		return "", riveterrors.New(riveterrors.GroupUser, riveterrors.CodeValidationFailed,
			"scheduled action \""+actionName+"\" is not registered")
	}
	encodedArgs, err := json.Marshal(args)
	if err != nil {
		return "", riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
	}

	ev := persist.ScheduledEvent{
		EventID:     uuid.NewString(),
		TimestampMS: at.UnixMilli(),
		ActionName:  actionName,
		Args:        encodedArgs,
	}
	i.scheduled = append(i.scheduled, ev)
	sortScheduled(i.scheduled)
	i.rearmTimer()
	return ev.EventID, nil
}

// sortScheduled orders pending events by deadline, breaking ties by
// event-id (§5 "Scheduled events fire in non-decreasing timestamp order;
// ties broken by event-id") so two events armed for the same millisecond
// fire in a deterministic order instead of whatever order append happened
// to leave them in.
func sortScheduled(evs []persist.ScheduledEvent) {
	sort.Slice(evs, func(a, b int) bool {
		if evs[a].TimestampMS != evs[b].TimestampMS {
			return evs[a].TimestampMS < evs[b].TimestampMS
		}
		return evs[a].EventID < evs[b].EventID
	})
}

// rearmTimer sets the in-process timer to the earliest pending event and
// mirrors the deadline into the driver's durable Alarm (so a sleeping
// instance still wakes, §4.D "a sleeping actor with a pending scheduled
// event must still wake at the scheduled time").
func (i *Instance) rearmTimer() {
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	if len(i.scheduled) == 0 {
		i.drv.Alarm.CancelAlarm(context.Background(), i.actorID)
		return
	}
	next := time.UnixMilli(i.scheduled[0].TimestampMS)
	i.drv.Alarm.ScheduleAlarm(context.Background(), i.actorID, next)

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	i.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		i.Submit(ctx, i.fireDueEvents)
	})
}

// fireDueEvents invokes every scheduled action whose deadline has passed
// (§5 "Scheduled events fire in non-decreasing timestamp order; ties
// broken by event-id"), persisting the removal before invocation so a
// crash mid-fire never double-delivers on restart: Wake reloads
// i.scheduled from the last persisted record, so an event only stops
// being a candidate for replay once that record no longer lists it.
func (i *Instance) fireDueEvents() {
	now := i.clock.Now()
	var due []persist.ScheduledEvent
	var remaining []persist.ScheduledEvent
	for _, ev := range i.scheduled {
		if time.UnixMilli(ev.TimestampMS).After(now) {
			remaining = append(remaining, ev)
		} else {
			due = append(due, ev)
		}
	}
	if len(due) == 0 {
		return
	}
	i.scheduled = remaining
	if err := i.persistNow(context.Background()); err != nil {
		i.log.Warn("failed to persist scheduled-event removal before firing", zap.Error(err))
	}
	i.rearmTimer()

	for _, ev := range due {
		i.invokeScheduled(ev)
	}
}

func (i *Instance) invokeScheduled(ev persist.ScheduledEvent) {
	handler, ok := i.def.Actions[ev.ActionName]
	if !ok {
		i.log.Warn("scheduled action no longer registered", zap.String("action", ev.ActionName))
		return
	}
	ctx := withAbortSignal(context.Background(), i.abortCtx)
	ac := i.newActionContext(ctx, nil, nil)
	if _, err := handler(ac, ev.Args); err != nil {
		i.log.Warn("scheduled action failed", zap.String("action", ev.ActionName), zap.Error(err))
	}
	i.flushIfDirty(ctx, ac)
	i.touch()
}
