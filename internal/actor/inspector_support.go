package actor

import (
	"context"
	"encoding/json"
)

// Info is a read-only snapshot of instance metadata for internal/inspector
// (§4.H, SPEC_FULL §3 admin bulk actions): everything a "list actors" or
// "read state" admin call needs without exposing the live Instance.
type Info struct {
	ActorID        string   `json:"actorId"`
	Name           string   `json:"name"`
	Key            []string `json:"key"`
	Status         string   `json:"status"`
	CreatedAtMS    int64    `json:"createdAt"`
	LastActivityMS int64    `json:"lastActivity"`
}

// Info returns a point-in-time snapshot of this instance's metadata.
// Status is read through the existing statusMu guard; the timestamps are
// read on the single executor so they never race a concurrent handler.
func (i *Instance) Info(ctx context.Context) (Info, error) {
	info := Info{
		ActorID: i.actorID,
		Name:    i.def.Name,
		Key:     append([]string(nil), i.key...),
		Status:  i.Status().String(),
	}
	err := i.Submit(ctx, func() {
		info.CreatedAtMS = i.createdAtMS
		info.LastActivityMS = i.lastActivity.UnixMilli()
	})
	return info, err
}

// MailboxLen reports the number of pending submissions currently queued on
// this instance's single-executor mailbox (internal/rivetmetrics' depth
// gauge, SPEC_FULL §2). A non-blocking len() read is an approximation
// under concurrent Submit calls, which is the right tradeoff for a metrics
// sample as opposed to a value other code branches on.
func (i *Instance) MailboxLen() int { return len(i.mailbox) }

// StateJSON marshals the instance's current user-visible state on the
// single executor (§4.H "read state" inspector endpoint) so the read
// never tears against an in-flight action.
func (i *Instance) StateJSON(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	var marshalErr error
	err := i.Submit(ctx, func() {
		out, marshalErr = json.Marshal(i.state)
	})
	if err != nil {
		return nil, err
	}
	return out, marshalErr
}
