// Package wire implements the client<->actor envelope protocol of §4.A:
// tagged-union envelopes carried over WebSocket or HTTP, encoded as JSON,
// CBOR, or a length-prefixed schema-versioned binary ("bare") format.
package wire

import "encoding/json"

// Encoding identifies the wire encoding negotiated for a connection.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
	EncodingBare Encoding = "bare"
)

// IsBinary reports whether frames of this encoding are binary (arraybuffer
// / blob) rather than text, per §4.A.
func (e Encoding) IsBinary() bool {
	return e == EncodingCBOR || e == EncodingBare
}

// ---- envelopes to client ----

// ToClientTag discriminates the ToClient tagged union.
type ToClientTag string

const (
	ToClientInit           ToClientTag = "init"
	ToClientError          ToClientTag = "error"
	ToClientActionResponse ToClientTag = "action_response"
	ToClientEvent          ToClientTag = "event"
)

// ToClient is the envelope sent from the runtime to a connected client.
// Exactly one of the payload fields is populated, selected by Tag.
type ToClient struct {
	Tag ToClientTag `json:"tag" cbor:"tag"`

	Init           *InitPayload           `json:"init,omitempty" cbor:"init,omitempty"`
	Error          *ErrorPayload          `json:"error,omitempty" cbor:"error,omitempty"`
	ActionResponse *ActionResponsePayload `json:"actionResponse,omitempty" cbor:"actionResponse,omitempty"`
	Event          *EventPayload          `json:"event,omitempty" cbor:"event,omitempty"`
}

type InitPayload struct {
	ActorID      string `json:"actorId" cbor:"actorId"`
	ConnectionID string `json:"connectionId" cbor:"connectionId"`
}

type ErrorPayload struct {
	Group    string         `json:"group" cbor:"group"`
	Code     string         `json:"code" cbor:"code"`
	Message  string         `json:"message" cbor:"message"`
	Metadata map[string]any `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	ActionID *int64         `json:"actionId,omitempty" cbor:"actionId,omitempty"`
}

type ActionResponsePayload struct {
	ID     int64           `json:"id" cbor:"id"`
	Output json.RawMessage `json:"output" cbor:"-"`
	// RawOutput carries the decoded value for non-JSON encodings, where the
	// codec already produced a native Go value rather than raw bytes.
	RawOutput any `json:"-" cbor:"output"`
}

type EventPayload struct {
	Name string          `json:"name" cbor:"name"`
	Args json.RawMessage `json:"args" cbor:"-"`
	RawArgs any          `json:"-" cbor:"args"`
}

// ---- envelopes to server ----

type ToServerTag string

const (
	ToServerActionRequest       ToServerTag = "action_request"
	ToServerSubscriptionRequest ToServerTag = "subscription_request"
)

// ToServer is the envelope received from a connected client.
type ToServer struct {
	Tag ToServerTag `json:"tag" cbor:"tag"`

	ActionRequest       *ActionRequestPayload       `json:"actionRequest,omitempty" cbor:"actionRequest,omitempty"`
	SubscriptionRequest *SubscriptionRequestPayload `json:"subscriptionRequest,omitempty" cbor:"subscriptionRequest,omitempty"`
}

type ActionRequestPayload struct {
	ID   int64           `json:"id" cbor:"id"`
	Name string          `json:"name" cbor:"name"`
	Args json.RawMessage `json:"args" cbor:"-"`
	RawArgs any          `json:"-" cbor:"args"`
}

type SubscriptionRequestPayload struct {
	EventName string `json:"eventName" cbor:"eventName"`
	Subscribe bool   `json:"subscribe" cbor:"subscribe"`
}

// ---- HTTP (non-WS) surfaces ----

type HTTPActionRequest struct {
	Args json.RawMessage `json:"args"`
}

type HTTPActionResponse struct {
	Output json.RawMessage `json:"output"`
}

type HTTPResolveRequest struct {
	Key []string `json:"key"`
}

type HTTPResolveResponse struct {
	ActorID string `json:"actorId"`
}

type HTTPQueueSendRequest struct {
	Body    json.RawMessage `json:"body"`
	Name    string          `json:"name,omitempty"`
	Wait    bool            `json:"wait,omitempty"`
	Timeout int64           `json:"timeout,omitempty"` // ms
}

type HTTPQueueSendResponse struct {
	Status   string          `json:"status"` // "completed" | "timedOut"
	Response json.RawMessage `json:"response,omitempty"`
}

type HTTPResponseError struct {
	Group    string         `json:"group"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
