package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rivetkit-go/rivetkit/internal/kv"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// EngineClient delegates KV, placement, and alarms to an external cluster
// coordinator over plain JSON-over-HTTP requests (§4.G "the engine-client
// backend speaks to a cluster-wide placement and storage service rather
// than hosting state locally", the multi-host production topology). A
// down coordinator degrades each call to a typed error rather than a
// panic, mirroring the graceful-degradation-on-unreachable-backend idiom.
type EngineClient struct {
	baseURL string
	hc      *http.Client
}

// NewEngineClient targets the coordinator at baseURL (e.g.
// "http://rivetkit-engine:9000").
func NewEngineClient(baseURL string, timeout time.Duration) *Driver {
	ec := &EngineClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
	return &Driver{KV: ec, Placement: ec, Alarm: ec}
}

func (e *EngineClient) Open(_ context.Context, actorID string) (kv.Store, error) {
	return &remoteKV{client: e, actorID: actorID}, nil
}

func (e *EngineClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeDriverError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.hc.Do(req)
	if err != nil {
		return riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeDriverError,
			fmt.Errorf("engine driver unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return riveterrors.NotFound(path)
	}
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusTooManyRequests {
		return riveterrors.Busy(path)
	}
	if resp.StatusCode >= 300 {
		return riveterrors.New(riveterrors.GroupInternal, riveterrors.CodeDriverError,
			fmt.Sprintf("engine driver %s %s: status %d", method, path, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
	}
	return nil
}

// ---- placement ----

func (e *EngineClient) ResolveHost(ctx context.Context, actorID string) (string, bool, error) {
	var out struct {
		HostID string `json:"hostId"`
		Live   bool   `json:"live"`
	}
	if err := e.doJSON(ctx, http.MethodGet, "/placement/"+actorID, nil, &out); err != nil {
		if rerr, ok := riveterrors.As(err); ok && rerr.Code == riveterrors.CodeNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return out.HostID, out.Live, nil
}

func (e *EngineClient) AcquireLease(ctx context.Context, actorID, hostID string, ttl time.Duration) (*Lease, error) {
	var out struct {
		Token   string    `json:"token"`
		Expires time.Time `json:"expires"`
	}
	err := e.doJSON(ctx, http.MethodPost, "/placement/"+actorID+"/lease", map[string]any{
		"hostId": hostID,
		"ttlMs":  ttl.Milliseconds(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &Lease{ActorID: actorID, HostID: hostID, Token: out.Token, Expires: out.Expires}, nil
}

func (e *EngineClient) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error {
	var out struct {
		Expires time.Time `json:"expires"`
	}
	if err := e.doJSON(ctx, http.MethodPost, "/placement/"+lease.ActorID+"/renew", map[string]any{
		"token": lease.Token,
		"ttlMs": ttl.Milliseconds(),
	}, &out); err != nil {
		return err
	}
	lease.Expires = out.Expires
	return nil
}

func (e *EngineClient) ReleaseLease(ctx context.Context, lease *Lease) error {
	return e.doJSON(ctx, http.MethodPost, "/placement/"+lease.ActorID+"/release", map[string]any{
		"token": lease.Token,
	}, nil)
}

// ---- alarms ----

func (e *EngineClient) ScheduleAlarm(ctx context.Context, actorID string, at time.Time) error {
	return e.doJSON(ctx, http.MethodPost, "/alarms/"+actorID, map[string]any{"at": at}, nil)
}

func (e *EngineClient) CancelAlarm(ctx context.Context, actorID string) error {
	return e.doJSON(ctx, http.MethodDelete, "/alarms/"+actorID, nil, nil)
}

func (e *EngineClient) PollDue(ctx context.Context, before time.Time) ([]AlarmFire, error) {
	var out []AlarmFire
	if err := e.doJSON(ctx, http.MethodPost, "/alarms/poll", map[string]any{"before": before}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- remote kv ----

// remoteKV implements kv.Store by proxying every operation to the
// coordinator's per-actor KV endpoints. It is intentionally simple (one
// HTTP round trip per call) since the engine-client driver's purpose is
// correctness across hosts, not local throughput.
type remoteKV struct {
	client  *EngineClient
	actorID string
}

func (r *remoteKV) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var out struct {
		Value []byte `json:"value"`
		Found bool   `json:"found"`
	}
	if err := r.client.doJSON(ctx, http.MethodPost, "/kv/"+r.actorID+"/get", map[string]any{"key": key}, &out); err != nil {
		return nil, false, err
	}
	return out.Value, out.Found, nil
}

func (r *remoteKV) Put(ctx context.Context, key, value []byte) error {
	return r.client.doJSON(ctx, http.MethodPost, "/kv/"+r.actorID+"/put", map[string]any{"key": key, "value": value}, nil)
}

func (r *remoteKV) Delete(ctx context.Context, key []byte) error {
	return r.client.doJSON(ctx, http.MethodPost, "/kv/"+r.actorID+"/delete", map[string]any{"key": key}, nil)
}

func (r *remoteKV) List(ctx context.Context, opts kv.ListOptions) ([]kv.Entry, error) {
	var out []kv.Entry
	if err := r.client.doJSON(ctx, http.MethodPost, "/kv/"+r.actorID+"/list", opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *remoteKV) DeletePrefix(ctx context.Context, prefix []byte) error {
	return r.client.doJSON(ctx, http.MethodPost, "/kv/"+r.actorID+"/deletePrefix", map[string]any{"prefix": prefix}, nil)
}

func (r *remoteKV) Batch(ctx context.Context, ops []kv.BatchOp) error {
	return r.client.doJSON(ctx, http.MethodPost, "/kv/"+r.actorID+"/batch", ops, nil)
}

func (r *remoteKV) Close() error { return nil }
