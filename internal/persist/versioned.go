// Package persist implements the "versioned handler" of §4.B: every record
// the runtime writes to a KV or SQL substrate is prefixed with a 2-byte
// little-endian schema version, and read back through a chain of
// migrations from whatever version it was written at up to the current
// one. Three concrete handlers are registered here: actor-persisted,
// connection-persisted, and workflow-history records. The wire package's
// "bare" codec reuses the same VersionedHandler machinery for envelopes.
package persist

import (
	"encoding/binary"
	"fmt"

	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// Reader decodes the body (everything after the 2-byte version prefix) of
// one historical wire/storage version into that version's representation.
type Reader func(body []byte) (any, error)

// Migration transforms the representation of version N into the
// representation of version N+1.
type Migration func(old any) (any, error)

// Writer serializes the current-version representation to bytes (without
// the version prefix — VersionedHandler adds that).
type Writer func(v any) ([]byte, error)

// VersionedHandler owns one record family's current version, its current
// writer, and the full history of readers + forward migrations needed to
// bring any past version up to current.
type VersionedHandler struct {
	Name           string
	CurrentVersion uint16
	Readers        map[uint16]Reader
	Migrations     map[uint16]Migration // fromVersion -> migration to fromVersion+1
	WriteCurrent   Writer
}

// Encode always writes CurrentVersion + the current format.
func (h *VersionedHandler) Encode(v any) ([]byte, error) {
	body, err := h.WriteCurrent(v)
	if err != nil {
		return nil, riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
	}
	out := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(out[:2], h.CurrentVersion)
	copy(out[2:], body)
	return out, nil
}

// Decode reads the 2-byte version prefix, loads the matching reader, and
// applies every migration up to CurrentVersion.
func (h *VersionedHandler) Decode(b []byte) (any, error) {
	if len(b) < 2 {
		return nil, riveterrors.New(riveterrors.GroupInternal, riveterrors.CodeSerializationError,
			fmt.Sprintf("%s: record too short for version prefix", h.Name))
	}
	ver := binary.LittleEndian.Uint16(b[:2])
	reader, ok := h.Readers[ver]
	if !ok {
		return nil, riveterrors.New(riveterrors.GroupInternal, riveterrors.CodeSerializationError,
			fmt.Sprintf("%s: no reader registered for version %d", h.Name, ver))
	}
	val, err := reader(b[2:])
	if err != nil {
		return nil, riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
	}
	for v := ver; v < h.CurrentVersion; v++ {
		mig, ok := h.Migrations[v]
		if !ok {
			return nil, riveterrors.New(riveterrors.GroupInternal, riveterrors.CodeSerializationError,
				fmt.Sprintf("%s: no migration registered from version %d", h.Name, v))
		}
		val, err = mig(val)
		if err != nil {
			return nil, riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
		}
	}
	return val, nil
}
