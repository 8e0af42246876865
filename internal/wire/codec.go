package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// Codec encodes and decodes the two envelope directions for one negotiated
// Encoding. A Codec is stateless and safe for concurrent use.
type Codec interface {
	Encoding() Encoding
	EncodeToClient(*ToClient) ([]byte, error)
	DecodeToServer([]byte) (*ToServer, error)
	// EncodeValue/DecodeValue marshal a single user-level value (action
	// args, outputs, event payloads) using this codec's rules, so callers
	// that already hold typed Go values don't have to round-trip through
	// json.RawMessage.
	EncodeValue(v any) ([]byte, error)
	DecodeValue(b []byte, out any) error
}

// ForEncoding returns the Codec for a negotiated Encoding.
func ForEncoding(enc Encoding) (Codec, error) {
	switch enc {
	case EncodingJSON, "":
		return jsonCodec{}, nil
	case EncodingCBOR:
		return cborCodec{}, nil
	case EncodingBare:
		return bareCodec{}, nil
	default:
		return nil, riveterrors.New(riveterrors.GroupUser, riveterrors.CodeValidationFailed,
			fmt.Sprintf("unsupported encoding %q", enc))
	}
}

// ---- json ----

type jsonCodec struct{}

func (jsonCodec) Encoding() Encoding { return EncodingJSON }

func (jsonCodec) EncodeToClient(env *ToClient) ([]byte, error) { return json.Marshal(demoteToClient(env)) }

func (jsonCodec) DecodeToServer(b []byte) (*ToServer, error) {
	var env ToServer
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
	}
	return &env, nil
}

func (jsonCodec) EncodeValue(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) DecodeValue(b []byte, out any) error {
	return json.Unmarshal(b, out)
}

// ---- cbor ----

var cborEncMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

type cborCodec struct{}

func (cborCodec) Encoding() Encoding { return EncodingCBOR }

func (cborCodec) EncodeToClient(env *ToClient) ([]byte, error) {
	// cbor tags carry the already-decoded RawOutput/RawArgs values; promote
	// json.RawMessage payloads (produced by handlers that only know JSON)
	// into native values first so the binary encoding doesn't embed a
	// nested JSON string.
	promoted := promoteToClient(env)
	return cborEncMode.Marshal(promoted)
}

func (cborCodec) DecodeToServer(b []byte) (*ToServer, error) {
	var env ToServer
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
	}
	demoteToServer(&env)
	return &env, nil
}

func (cborCodec) EncodeValue(v any) ([]byte, error) { return cborEncMode.Marshal(v) }
func (cborCodec) DecodeValue(b []byte, out any) error {
	return cbor.Unmarshal(b, out)
}

// promoteToClient decodes any json.RawMessage payload fields into RawOutput
// /RawArgs so the cbor encoder emits a structural value instead of a
// string-of-json.
func promoteToClient(env *ToClient) *ToClient {
	c := *env
	if c.ActionResponse != nil {
		ar := *c.ActionResponse
		if ar.RawOutput == nil && len(ar.Output) > 0 {
			_ = json.Unmarshal(ar.Output, &ar.RawOutput)
		}
		c.ActionResponse = &ar
	}
	if c.Event != nil {
		ev := *c.Event
		if ev.RawArgs == nil && len(ev.Args) > 0 {
			_ = json.Unmarshal(ev.Args, &ev.RawArgs)
		}
		c.Event = &ev
	}
	return &c
}

func demoteToServer(env *ToServer) {
	if env.ActionRequest != nil && env.ActionRequest.RawArgs != nil && env.ActionRequest.Args == nil {
		b, err := json.Marshal(env.ActionRequest.RawArgs)
		if err == nil {
			env.ActionRequest.Args = b
		}
	}
}

// demoteToClient encodes any native RawOutput/RawArgs values (set by
// handlers that called NewActionResponse/NewEvent directly) into
// json.RawMessage so the json encoder emits them under the "output"/"args"
// keys instead of dropping them (RawOutput/RawArgs carry json:"-").
func demoteToClient(env *ToClient) *ToClient {
	c := *env
	if c.ActionResponse != nil && c.ActionResponse.Output == nil && c.ActionResponse.RawOutput != nil {
		ar := *c.ActionResponse
		if b, err := json.Marshal(ar.RawOutput); err == nil {
			ar.Output = b
		}
		c.ActionResponse = &ar
	}
	if c.Event != nil && c.Event.Args == nil && c.Event.RawArgs != nil {
		ev := *c.Event
		if b, err := json.Marshal(ev.RawArgs); err == nil {
			ev.Args = b
		}
		c.Event = &ev
	}
	return &c
}

// ---- bare (length-prefixed, schema-versioned binary) ----
// See bare.go for the version-prefix + migration-chain machinery this
// wraps (§4.A, §4.B).

type bareCodec struct{}

func (bareCodec) Encoding() Encoding { return EncodingBare }

func (bareCodec) EncodeToClient(env *ToClient) ([]byte, error) {
	return EncodeVersioned(ToClientHandler, env)
}

func (bareCodec) DecodeToServer(b []byte) (*ToServer, error) {
	v, err := DecodeVersioned(ToServerHandler, b)
	if err != nil {
		return nil, err
	}
	env, ok := v.(*ToServer)
	if !ok {
		return nil, riveterrors.New(riveterrors.GroupInternal, riveterrors.CodeSerializationError,
			"bare decode produced unexpected type")
	}
	return env, nil
}

func (bareCodec) EncodeValue(v any) ([]byte, error) { return cborEncMode.Marshal(v) }
func (bareCodec) DecodeValue(b []byte, out any) error {
	return cbor.Unmarshal(b, out)
}
