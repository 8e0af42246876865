package host

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
	"github.com/rivetkit-go/rivetkit/internal/wire"
)

// wsParams is what the synthetic Sec-WebSocket-Protocol token scheme (§6)
// decodes to: clients that can't set arbitrary headers before the upgrade
// (browsers) pack connection parameters as subprotocol tokens instead.
type wsParams struct {
	token      string
	actorID    string
	encoding   wire.Encoding
	connParams json.RawMessage
}

// parseSubprotocols reads the comma-joined, individually-tokenized
// Sec-WebSocket-Protocol list a client sends (e.g. "rivet,
// rivet_actor.act_123, rivet_encoding.json") and returns the decoded
// params plus the exact token list, so the Upgrader can echo back
// whichever single token it selects.
func parseSubprotocols(r *http.Request) (wsParams, []string) {
	var params wsParams
	params.encoding = wire.EncodingJSON

	tokens := websocket.Subprotocols(r)
	for _, tok := range tokens {
		switch {
		case tok == "rivet" || tok == "rivet_target.actor":
			// negotiation markers only, no payload
		case strings.HasPrefix(tok, "rivet_actor."):
			params.actorID = strings.TrimPrefix(tok, "rivet_actor.")
		case strings.HasPrefix(tok, "rivet_token."):
			params.token = strings.TrimPrefix(tok, "rivet_token.")
		case strings.HasPrefix(tok, "rivet_encoding."):
			params.encoding = wire.Encoding(strings.TrimPrefix(tok, "rivet_encoding."))
		case strings.HasPrefix(tok, "rivet_conn_params."):
			if decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(tok, "rivet_conn_params.")); err == nil {
				params.connParams = decoded
			}
		}
	}
	return params, tokens
}

// handleWebSocket upgrades `GET /actors/:actorId/ws` (§6), negotiates a
// Codec, runs Connect, and then either hands the connection to the
// definition's raw WebSocket hook or drives the standard envelope
// request/response loop until the socket closes.
func (h *Host) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("actorId")
	params, tokens := parseSubprotocols(r)

	codec, err := wire.ForEncoding(params.encoding)
	if err != nil {
		writeAppError(w, err)
		return
	}

	inst, err := h.instanceFor(r, actorID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	upgrader := h.upgrader
	upgrader.Subprotocols = tokens
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	uws := newGorillaSocket(wsConn)

	var connParams json.RawMessage = params.connParams
	if connParams == nil {
		connParams = json.RawMessage("null")
	}

	var conn *actor.Conn
	send := func(env *wire.ToClient) error {
		encoded, err := codec.EncodeToClient(env)
		if err != nil {
			return err
		}
		return uws.Send(encoded)
	}

	conn, err = inst.ConnectWS(r.Context(), connParams, params.encoding, send)
	if err != nil {
		rerr, ok := riveterrors.As(err)
		if !ok {
			rerr = riveterrors.Internal(err)
		}
		_ = send(wire.NewErrorEnvelope(rerr))
		_ = wsConn.Close()
		return
	}
	defer func() { _ = inst.DisconnectWS(r.Context(), conn) }()

	if ok, err := inst.ServeRawWebSocket(r.Context(), conn, uws); ok {
		if err != nil {
			h.log.Warn("raw websocket hook failed", zap.Error(err))
		}
		uws.wait()
		return
	}

	_ = send(wire.NewInit(actorID, conn.ID))
	h.runEnvelopeLoop(r, inst, conn, codec, uws)
}

// runEnvelopeLoop decodes ToServer frames and dispatches them until the
// socket closes (§4.A). It is the non-raw counterpart of
// Instance.ServeRawWebSocket's frame pump.
func (h *Host) runEnvelopeLoop(r *http.Request, inst *actor.Instance, conn *actor.Conn, codec wire.Codec, uws *gorillaSocket) {
	uws.OnMessage(func(data []byte) {
		env, err := codec.DecodeToServer(data)
		if err != nil {
			h.log.Warn("malformed client envelope", zap.Error(err))
			return
		}
		switch env.Tag {
		case wire.ToServerActionRequest:
			req := env.ActionRequest
			resp := inst.DispatchEnvelope(r.Context(), conn, req.ID, req.Name, req.Args, nil)
			if encoded, err := codec.EncodeToClient(resp); err == nil {
				_ = uws.Send(encoded)
			}
		case wire.ToServerSubscriptionRequest:
			req := env.SubscriptionRequest
			if req.Subscribe {
				conn.Subscribe(req.EventName)
			} else {
				conn.Unsubscribe(req.EventName)
			}
		}
	})
	uws.wait()
}

// gorillaSocket adapts *websocket.Conn to actor.UniversalWebSocket
// (§4.D): the only concrete implementation of that interface, since actor
// code never imports the transport package directly.
type gorillaSocket struct {
	conn *websocket.Conn

	mu      sync.Mutex
	onMsg   func([]byte)
	onClose func()
	onErr   func(error)

	done chan struct{}
}

func newGorillaSocket(conn *websocket.Conn) *gorillaSocket {
	s := &gorillaSocket{conn: conn, done: make(chan struct{})}
	go s.readLoop()
	return s
}

func (s *gorillaSocket) readLoop() {
	defer close(s.done)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			onClose, onErr := s.onClose, s.onErr
			s.mu.Unlock()
			if websocket.IsUnexpectedCloseError(err) && onErr != nil {
				onErr(err)
			}
			if onClose != nil {
				onClose()
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.mu.Lock()
		onMsg := s.onMsg
		s.mu.Unlock()
		if onMsg != nil {
			onMsg(data)
		}
	}
}

func (s *gorillaSocket) Send(data []byte) error {
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *gorillaSocket) Close() error { return s.conn.Close() }

func (s *gorillaSocket) OnMessage(fn func(data []byte)) {
	s.mu.Lock()
	s.onMsg = fn
	s.mu.Unlock()
}

func (s *gorillaSocket) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *gorillaSocket) OnError(fn func(err error)) {
	s.mu.Lock()
	s.onErr = fn
	s.mu.Unlock()
}

// wait blocks until the read loop observes the socket closing.
func (s *gorillaSocket) wait() { <-s.done }
