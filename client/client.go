// Package client is the external, process-external counterpart to
// internal/actor's in-handler CrossActorHandle (§4.D `client<R>()`): a Go
// SDK that talks to a running internal/host server over its HTTP routes
// (§6) to resolve/create/destroy actors, plus a persistent WebSocket
// Conn for streaming action calls and event subscriptions against one
// actor instance.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rivetkit-go/rivetkit/internal/wire"
)

// Host is a handle to one internal/host server, rooted at baseURL
// (including its configured BasePath, e.g. "http://localhost:8080/rivet").
type Host struct {
	baseURL string
	http    *http.Client
}

// New builds a Host client. httpClient may be nil, in which case
// http.DefaultClient is used.
func New(baseURL string, httpClient *http.Client) *Host {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Host{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// ActorHandle identifies one actor instance for subsequent calls, mirroring
// the manager.ActorHandle shape returned by the host's JSON routes.
type ActorHandle struct {
	host    *Host
	ActorID string `json:"actorId"`
	Name    string `json:"name"`
	Key     []string `json:"key"`
}

// Resolve looks up an actor's id by (name,key) without creating it (§6
// POST .../resolve) — a pure, side-effect-free call.
func (h *Host) Resolve(ctx context.Context, name string, key []string) (string, error) {
	var out wire.HTTPResolveResponse
	if err := h.post(ctx, fmt.Sprintf("/actors/%s/resolve", url.PathEscape(name)),
		wire.HTTPResolveRequest{Key: key}, &out); err != nil {
		return "", err
	}
	return out.ActorID, nil
}

// Create always creates a new actor instance (§6 POST .../create).
func (h *Host) Create(ctx context.Context, name string, key []string, input json.RawMessage) (*ActorHandle, error) {
	return h.createLike(ctx, "create", name, key, input)
}

// GetOrCreate resolves an existing actor or creates one if none exists
// (§6 POST .../get-or-create).
func (h *Host) GetOrCreate(ctx context.Context, name string, key []string, input json.RawMessage) (*ActorHandle, error) {
	return h.createLike(ctx, "get-or-create", name, key, input)
}

func (h *Host) createLike(ctx context.Context, verb, name string, key []string, input json.RawMessage) (*ActorHandle, error) {
	var out ActorHandle
	body := struct {
		Key   []string        `json:"key"`
		Input json.RawMessage `json:"input"`
	}{Key: key, Input: input}
	if err := h.post(ctx, fmt.Sprintf("/actors/%s/%s", url.PathEscape(name), verb), body, &out); err != nil {
		return nil, err
	}
	out.host = h
	return &out, nil
}

// ForID builds a handle for an already-known actor id, without a round
// trip — useful when the id was obtained out-of-band (e.g. persisted by
// the caller from a previous Create).
func (h *Host) ForID(actorID string) *ActorHandle {
	return &ActorHandle{host: h, ActorID: actorID}
}

// Destroy tears the actor down (§6 DELETE /actors/{actorId}).
func (h *ActorHandle) Destroy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.host.baseURL+"/actors/"+h.ActorID, nil)
	if err != nil {
		return err
	}
	resp, err := h.host.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeHTTPError(resp)
	}
	return nil
}

// Action performs one request/response action call over plain HTTP (§6
// POST .../actions/{action}) without opening a connection — the stateless
// path suited to one-shot calls that don't need broadcast events.
func (h *ActorHandle) Action(ctx context.Context, action string, args any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var resp wire.HTTPActionResponse
	if err := h.host.post(ctx, "/actors/"+h.ActorID+"/actions/"+url.PathEscape(action),
		wire.HTTPActionRequest{Args: raw}, &resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Output, out)
}

func (h *Host) post(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeHTTPError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeHTTPError(resp *http.Response) error {
	var herr wire.HTTPResponseError
	if err := json.NewDecoder(resp.Body).Decode(&herr); err != nil || herr.Message == "" {
		return fmt.Errorf("rivetkit: %s", resp.Status)
	}
	return fmt.Errorf("rivetkit: %s.%s: %s", herr.Group, herr.Code, herr.Message)
}
