package main

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/registry"
)

// demoDefinitions builds the actor set `serve` runs when no application
// registers its own: a minimal, always-available smoke test of the wire
// protocol (counter, §8 scenario 1) and of scheduled events (reminder,
// §8 scenario 3), so `rivetkit-host serve` is runnable standalone rather
// than only as a library import.

type counterState struct {
	Count int `json:"count"`
}

type counterArgs struct {
	By int `json:"by"`
}

func counterDefinition() *actor.Definition {
	b := registry.New[*counterState, struct{}]("counter")
	b.CreateState(func(json.RawMessage) (*counterState, error) { return &counterState{}, nil })
	b.Events("count")
	registry.Action(b, "increment", func(ctx *registry.TypedActionContext[*counterState, struct{}], args counterArgs) (int, error) {
		delta := args.By
		if delta == 0 {
			delta = 1
		}
		st := ctx.State()
		st.Count += delta
		ctx.SetState(st)
		if ctx.Conn != nil {
			_ = ctx.Broadcast("count", st.Count)
		}
		return st.Count, nil
	})
	registry.Action(b, "getCount", func(ctx *registry.TypedActionContext[*counterState, struct{}], _ struct{}) (int, error) {
		return ctx.State().Count, nil
	})
	b.Options(actor.Options{SleepTimeout: 30 * time.Second})
	return b.Build()
}

type reminder struct {
	ID          string     `json:"id"`
	Message     string     `json:"message"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type reminderState struct {
	Reminders      map[string]*reminder `json:"reminders"`
	CompletedCount int                  `json:"completedCount"`
}

type scheduleReminderArgs struct {
	Message string `json:"message"`
	AfterMs int    `json:"afterMs"`
}

type completeReminderArgs struct {
	ID string `json:"id"`
}

func reminderDefinition() *actor.Definition {
	b := registry.New[*reminderState, struct{}]("reminder")
	b.CreateState(func(json.RawMessage) (*reminderState, error) {
		return &reminderState{Reminders: map[string]*reminder{}}, nil
	})
	registry.Action(b, "scheduleReminder", func(ctx *registry.TypedActionContext[*reminderState, struct{}], args scheduleReminderArgs) (*reminder, error) {
		st := ctx.State()
		// Our own id, not the scheduler's internal event id — it's what
		// identifies the reminder to callers and to the completeReminder
		// callback, and must exist before scheduling to put it in the args.
		id := uuid.NewString()
		if _, err := ctx.Schedule.After(time.Duration(args.AfterMs)*time.Millisecond, "completeReminder", completeReminderArgs{ID: id}); err != nil {
			return nil, err
		}
		r := &reminder{ID: id, Message: args.Message}
		st.Reminders[id] = r
		ctx.SetState(st)
		return r, nil
	})
	registry.Action(b, "completeReminder", func(ctx *registry.TypedActionContext[*reminderState, struct{}], args completeReminderArgs) (any, error) {
		st := ctx.State()
		r, ok := st.Reminders[args.ID]
		if !ok {
			return nil, nil
		}
		now := time.Now()
		r.CompletedAt = &now
		st.CompletedCount++
		ctx.SetState(st)
		return r, nil
	})
	registry.Action(b, "getReminders", func(ctx *registry.TypedActionContext[*reminderState, struct{}], _ struct{}) (*reminderState, error) {
		return ctx.State(), nil
	})
	b.Options(actor.Options{SleepTimeout: 30 * time.Second})
	return b.Build()
}

func demoDefinitions() map[string]*actor.Definition {
	reg := registry.NewRegistry()
	reg.Register(counterDefinition())
	reg.Register(reminderDefinition())
	return reg.Definitions()
}
