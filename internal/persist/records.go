package persist

import (
	"github.com/fxamacker/cbor/v2"
)

// ScheduledEvent is a single pending scheduled-action fire, persisted as
// part of the actor record so it survives hibernation (§4.D Scheduling).
type ScheduledEvent struct {
	EventID    string `cbor:"id"`
	TimestampMS int64 `cbor:"ts"`
	ActionName string `cbor:"action"`
	Args       []byte `cbor:"args"` // codec-encoded argument tuple
}

// ActorRecord is the current-version shape of the "actor/persist" key
// (§6 persisted-state layout).
type ActorRecord struct {
	Name            string           `cbor:"name"`
	Key             []string         `cbor:"key"`
	Input           []byte           `cbor:"input"`
	State           []byte           `cbor:"state"`
	ScheduledEvents []ScheduledEvent `cbor:"scheduled"`
	LastActivityMS  int64            `cbor:"lastActivity"`
	CreatedAtMS     int64            `cbor:"createdAt"`
}

// actorRecordV1 is the version-1 shape: scheduled events had no explicit
// id, so duplicate-fire suppression used the event's index. Version 2
// added an explicit EventID to every scheduled event so ids remain stable
// across inserts/removals at other indices.
type actorRecordV1 struct {
	Key             []string `cbor:"key"`
	Input           []byte   `cbor:"input"`
	State           []byte   `cbor:"state"`
	ScheduledEvents []struct {
		TimestampMS int64  `cbor:"ts"`
		ActionName  string `cbor:"action"`
		Args        []byte `cbor:"args"`
	} `cbor:"scheduled"`
	LastActivityMS int64 `cbor:"lastActivity"`
	CreatedAtMS    int64 `cbor:"createdAt"`
}

// ActorHandler is the registered VersionedHandler for actor records.
var ActorHandler = &VersionedHandler{
	Name:           "actor",
	CurrentVersion: 2,
	Readers: map[uint16]Reader{
		1: func(body []byte) (any, error) {
			var v1 actorRecordV1
			if err := cbor.Unmarshal(body, &v1); err != nil {
				return nil, err
			}
			return &v1, nil
		},
		2: func(body []byte) (any, error) {
			var v2 ActorRecord
			if err := cbor.Unmarshal(body, &v2); err != nil {
				return nil, err
			}
			return &v2, nil
		},
	},
	Migrations: map[uint16]Migration{
		1: func(old any) (any, error) {
			v1 := old.(*actorRecordV1)
			v2 := &ActorRecord{
				Key:            v1.Key,
				Input:          v1.Input,
				State:          v1.State,
				LastActivityMS: v1.LastActivityMS,
				CreatedAtMS:    v1.CreatedAtMS,
			}
			for i, ev := range v1.ScheduledEvents {
				v2.ScheduledEvents = append(v2.ScheduledEvents, ScheduledEvent{
					EventID:     legacyEventID(i),
					TimestampMS: ev.TimestampMS,
					ActionName:  ev.ActionName,
					Args:        ev.Args,
				})
			}
			return v2, nil
		},
	},
	WriteCurrent: func(v any) ([]byte, error) {
		return cbor.Marshal(v.(*ActorRecord))
	},
}

func legacyEventID(index int) string {
	const hex = "0123456789abcdef"
	// Deterministic, collision-free within one legacy record: "legacy-<idx>".
	b := []byte("legacy-0000000000")
	n := index
	for i := len(b) - 1; i >= len(b)-8 && n > 0; i-- {
		b[i] = hex[n%16]
		n /= 16
	}
	return string(b)
}

// DecodeActor decodes bytes into the current ActorRecord shape.
func DecodeActor(b []byte) (*ActorRecord, error) {
	v, err := ActorHandler.Decode(b)
	if err != nil {
		return nil, err
	}
	return v.(*ActorRecord), nil
}

// EncodeActor encodes an ActorRecord at the current version.
func EncodeActor(r *ActorRecord) ([]byte, error) {
	return ActorHandler.Encode(r)
}

// ---- connection-persisted ----

// ConnRecord is the current shape of "conn/<connId>" (§6). Only populated
// for connections whose actor definition declares a connection-state
// constructor (§9 open question b): transient vars-like state never
// reaches here.
type ConnRecord struct {
	ConnectionID          string `cbor:"id"`
	Params                []byte `cbor:"params"`
	ConnState             []byte `cbor:"state"`
	HibernatableRequestID string `cbor:"hibernatableRequestId,omitempty"`
	Subscriptions         []string `cbor:"subscriptions"`
}

var ConnHandler = &VersionedHandler{
	Name:           "conn",
	CurrentVersion: 1,
	Readers: map[uint16]Reader{
		1: func(body []byte) (any, error) {
			var v ConnRecord
			if err := cbor.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return &v, nil
		},
	},
	Migrations: map[uint16]Migration{},
	WriteCurrent: func(v any) ([]byte, error) {
		return cbor.Marshal(v.(*ConnRecord))
	},
}

func DecodeConn(b []byte) (*ConnRecord, error) {
	v, err := ConnHandler.Decode(b)
	if err != nil {
		return nil, err
	}
	return v.(*ConnRecord), nil
}

func EncodeConn(r *ConnRecord) ([]byte, error) { return ConnHandler.Encode(r) }

// ---- workflow history ----

// WorkflowEntryRecord is the current shape of "wf/entries/<ix>" (§6, §3
// "Workflow history").
type WorkflowEntryRecord struct {
	Index            int    `cbor:"index"`
	Name             string `cbor:"name"`
	Kind             string `cbor:"kind"` // step|sleep|listen|loop|join|race|rollbackCheckpoint|rollbackRun
	Status           string `cbor:"status"`
	Attempt          int    `cbor:"attempt"`
	InputFingerprint string `cbor:"inputFingerprint"`
	Output           []byte `cbor:"output,omitempty"`
	LastError        string `cbor:"lastError,omitempty"`
}

var WorkflowEntryHandler = &VersionedHandler{
	Name:           "workflowEntry",
	CurrentVersion: 1,
	Readers: map[uint16]Reader{
		1: func(body []byte) (any, error) {
			var v WorkflowEntryRecord
			if err := cbor.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return &v, nil
		},
	},
	Migrations: map[uint16]Migration{},
	WriteCurrent: func(v any) ([]byte, error) {
		return cbor.Marshal(v.(*WorkflowEntryRecord))
	},
}

func DecodeWorkflowEntry(b []byte) (*WorkflowEntryRecord, error) {
	v, err := WorkflowEntryHandler.Decode(b)
	if err != nil {
		return nil, err
	}
	return v.(*WorkflowEntryRecord), nil
}

func EncodeWorkflowEntry(r *WorkflowEntryRecord) ([]byte, error) { return WorkflowEntryHandler.Encode(r) }

// WorkflowMetaRecord is the current shape of "wf/meta/<key>".
type WorkflowMetaRecord struct {
	State      string  `cbor:"state"` // running|sleeping|completed|failed|rolling_back
	SleepUntil *int64  `cbor:"sleepUntil,omitempty"`
	Output     []byte  `cbor:"output,omitempty"`
	Error      string  `cbor:"error,omitempty"`
	NextIndex  int     `cbor:"nextIndex"`
}

var WorkflowMetaHandler = &VersionedHandler{
	Name:           "workflowMeta",
	CurrentVersion: 1,
	Readers: map[uint16]Reader{
		1: func(body []byte) (any, error) {
			var v WorkflowMetaRecord
			if err := cbor.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return &v, nil
		},
	},
	Migrations: map[uint16]Migration{},
	WriteCurrent: func(v any) ([]byte, error) {
		return cbor.Marshal(v.(*WorkflowMetaRecord))
	},
}

func DecodeWorkflowMeta(b []byte) (*WorkflowMetaRecord, error) {
	v, err := WorkflowMetaHandler.Decode(b)
	if err != nil {
		return nil, err
	}
	return v.(*WorkflowMetaRecord), nil
}

func EncodeWorkflowMeta(r *WorkflowMetaRecord) ([]byte, error) { return WorkflowMetaHandler.Encode(r) }
