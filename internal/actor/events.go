package actor

import (
	"context"
	"encoding/json"
)

// EmitEvent feeds a named, actor-internal event to any workflow primitive
// currently parked in ctx.listen(name, eventName) (§4.F). It is distinct
// from Broadcast: Broadcast fans out to connections, EmitEvent fans in to
// a waiting run handler. Action handlers call it (via
// ActionContext.EmitEvent) to signal a workflow from the outside, e.g. a
// webhook-receiving action waking a workflow blocked on "payment-approved".
func (i *Instance) EmitEvent(eventName string, payload json.RawMessage) {
	i.eventMu.Lock()
	waiters := i.eventWaiters[eventName]
	delete(i.eventWaiters, eventName)
	i.eventMu.Unlock()
	for _, ch := range waiters {
		ch <- payload
	}
}

// waitForEvent parks until EmitEvent(eventName, ...) fires or ctx is done.
func (i *Instance) waitForEvent(ctx context.Context, eventName string) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	i.eventMu.Lock()
	if i.eventWaiters == nil {
		i.eventWaiters = make(map[string][]chan json.RawMessage)
	}
	i.eventWaiters[eventName] = append(i.eventWaiters[eventName], ch)
	i.eventMu.Unlock()

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
