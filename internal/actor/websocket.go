package actor

// UniversalWebSocket is the transport-agnostic raw WebSocket handle passed
// to Hooks.OnWebSocket (§4.D "raw WebSocket escape hatch for definitions
// that want direct framing control instead of the action/event envelope
// protocol"). internal/host implements this over gorilla/websocket; actor
// code never imports the transport package directly.
type UniversalWebSocket interface {
	Send(data []byte) error
	Close() error
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	OnError(fn func(err error))
}
