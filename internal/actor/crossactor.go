package actor

import (
	"context"
	"encoding/json"
)

// CrossActorHandle is the value returned by ActionContext.Client (§4.D
// `client<R>()`): a handle bound to one target actor name/key pair that
// routes calls back through the manager's Caller so actor code never
// depends on internal/manager directly.
type CrossActorHandle struct {
	caller Caller
	ctx    context.Context
	name   string
	key    []string
}

// Call invokes action on the target actor, creating/waking it as needed
// (manager's responsibility, §4.E getOrCreate semantics).
func (h CrossActorHandle) Call(action string, args any) (json.RawMessage, error) {
	return h.caller.CallAction(h.ctx, h.name, h.key, action, args)
}
