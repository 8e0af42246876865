package wire

import (
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// NewInit builds an Init envelope for a freshly accepted connection.
func NewInit(actorID, connID string) *ToClient {
	return &ToClient{Tag: ToClientInit, Init: &InitPayload{ActorID: actorID, ConnectionID: connID}}
}

// NewErrorEnvelope converts a riveterrors.Error into its wire shape.
func NewErrorEnvelope(err *riveterrors.Error) *ToClient {
	p := &ErrorPayload{
		Group:    string(err.Group),
		Code:     err.Code,
		Message:  err.Message,
		Metadata: err.Metadata,
	}
	if err.ActionID != 0 {
		id := err.ActionID
		p.ActionID = &id
	}
	return &ToClient{Tag: ToClientError, Error: p}
}

// NewActionResponse builds an ActionResponse envelope from a native Go
// output value. Codec.EncodeToClient promotes it to whichever wire shape
// (json.RawMessage vs native) its encoding needs.
func NewActionResponse(id int64, output any) *ToClient {
	return &ToClient{Tag: ToClientActionResponse, ActionResponse: &ActionResponsePayload{
		ID:        id,
		RawOutput: output,
	}}
}

// NewEvent builds an Event envelope from a native Go args value.
func NewEvent(name string, args any) *ToClient {
	return &ToClient{Tag: ToClientEvent, Event: &EventPayload{
		Name:    name,
		RawArgs: args,
	}}
}
