package wire

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/rivetkit-go/rivetkit/internal/persist"
)

// ToClientHandler and ToServerHandler are the "bare" encoding's registered
// VersionedHandlers (§4.A: "the codec embeds a 2-byte little-endian
// version prefix and dispatches to a registered migrations chain to reach
// the current version", reusing the same machinery §4.B defines for
// persisted records). Version 1 is the only schema either envelope has
// shipped; the Migrations map is ready to receive a v1->v2 entry the day
// the envelope shape changes.
var ToClientHandler = &persist.VersionedHandler{
	Name:           "wire.ToClient",
	CurrentVersion: 1,
	Readers: map[uint16]persist.Reader{
		1: func(body []byte) (any, error) {
			var env ToClient
			if err := cbor.Unmarshal(body, &env); err != nil {
				return nil, err
			}
			return &env, nil
		},
	},
	Migrations: map[uint16]persist.Migration{},
	WriteCurrent: func(v any) ([]byte, error) {
		return cborEncMode.Marshal(promoteToClient(v.(*ToClient)))
	},
}

var ToServerHandler = &persist.VersionedHandler{
	Name:           "wire.ToServer",
	CurrentVersion: 1,
	Readers: map[uint16]persist.Reader{
		1: func(body []byte) (any, error) {
			var env ToServer
			if err := cbor.Unmarshal(body, &env); err != nil {
				return nil, err
			}
			demoteToServer(&env)
			return &env, nil
		},
	},
	Migrations: map[uint16]persist.Migration{},
	WriteCurrent: func(v any) ([]byte, error) {
		return cborEncMode.Marshal(v.(*ToServer))
	},
}

// EncodeVersioned writes v at h.CurrentVersion with the 2-byte prefix.
func EncodeVersioned(h *persist.VersionedHandler, v any) ([]byte, error) {
	return h.Encode(v)
}

// DecodeVersioned reads the 2-byte prefix and migrates to current.
func DecodeVersioned(h *persist.VersionedHandler, b []byte) (any, error) {
	return h.Decode(b)
}
