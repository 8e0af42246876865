package host

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/manager"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
	"github.com/rivetkit-go/rivetkit/internal/wire"
)

// registerActorRoutes mounts §6's HTTP route table, basePath-prefixed.
func (h *Host) registerActorRoutes() {
	p := h.basePath

	h.mux.HandleFunc("POST "+p+"/actors/{name}/resolve", h.handleResolve)
	h.mux.HandleFunc("POST "+p+"/actors/{name}/create", h.handleCreate)
	h.mux.HandleFunc("POST "+p+"/actors/{name}/get-or-create", h.handleGetOrCreate)
	h.mux.HandleFunc("GET "+p+"/actors/{name}", h.handleList)
	h.mux.HandleFunc("POST "+p+"/actors/{actorId}/actions/{action}", h.handleAction)
	h.mux.HandleFunc("POST "+p+"/actors/{actorId}/queue/{name}", h.handleQueueSend)
	h.mux.HandleFunc("DELETE "+p+"/actors/{actorId}", h.handleDestroy)
	h.mux.HandleFunc("GET "+p+"/actors/{actorId}/ws", h.handleWebSocket)
	// Anything else under an actor's id that isn't one of the envelope
	// routes above falls through to the definition's raw HTTP hook, if it
	// declared one (§4.D "raw HTTP").
	h.mux.HandleFunc(p+"/actors/{actorId}/", h.handleRaw)
}

func (h *Host) handleResolve(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.mgr.HasDefinition(name) {
		writeError(w, http.StatusNotFound, "no such actor definition: "+name)
		return
	}
	var req wire.HTTPResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, wire.HTTPResolveResponse{ActorID: h.mgr.ResolveID(name, req.Key)})
}

func (h *Host) handleCreate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Key   []string        `json:"key"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	handle, err := h.mgr.Create(r.Context(), name, req.Key, req.Input)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actorHandleJSON(handle))
}

func (h *Host) handleGetOrCreate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Key   []string        `json:"key"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	handle, err := h.mgr.GetOrCreate(r.Context(), name, req.Key, req.Input)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actorHandleJSON(handle))
}

// handleList implements `GET /actors/:name?prefix=&cursor=&limit=` (§6).
// Manager.List has no native cursor support, so the cursor is applied as a
// post-filter on the actor-id-sorted result before the limit is enforced —
// no lease or placement IO depends on it, so this stays correct even as
// new actors are created between pages.
func (h *Host) handleList(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	q := r.URL.Query()
	var prefix []string
	if p := q.Get("prefix"); p != "" {
		prefix = strings.Split(p, ",")
	}
	limit := 0
	if l := q.Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	cursor := q.Get("cursor")

	all := h.mgr.List(name, prefix, 0)
	filtered := all[:0:0]
	for _, handle := range all {
		if cursor != "" && handle.ActorID <= cursor {
			continue
		}
		filtered = append(filtered, handle)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	out := make([]map[string]any, 0, len(filtered))
	for _, handle := range filtered {
		out = append(out, actorHandleJSON(handle))
	}
	writeJSON(w, http.StatusOK, map[string]any{"actors": out})
}

func (h *Host) handleAction(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("actorId")
	action := r.PathValue("action")
	var req wire.HTTPActionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	inst, err := h.instanceFor(r, actorID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveMailboxDepth(inst.MailboxLen())
	}
	output, err := inst.Dispatch(r.Context(), nil, action, req.Args, &actor.RawRequest{
		Method: r.Method, Path: r.URL.Path, Headers: r.Header,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	raw, err := json.Marshal(output)
	if err != nil {
		writeAppError(w, riveterrors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, wire.HTTPActionResponse{Output: raw})
}

func (h *Host) handleQueueSend(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("actorId")
	name := r.PathValue("name")
	var req wire.HTTPQueueSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	inst, err := h.instanceFor(r, actorID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	var timeout time.Duration
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	result, err := inst.QueueSend(r.Context(), name, req.Body, req.Wait, timeout)
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := "completed"
	if result.TimedOut {
		status = "timedOut"
	}
	resp := wire.HTTPQueueSendResponse{Status: status}
	if result.Response != nil {
		resp.Response, _ = json.Marshal(result.Response)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Host) handleDestroy(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("actorId")
	if err := h.mgr.Destroy(r.Context(), actorID); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRaw falls through to Hooks.OnRequest for any request under an
// actor's id that isn't one of the named envelope routes (§4.D "raw
// HTTP"). A definition with no OnRequest hook gets a plain 404.
func (h *Host) handleRaw(w http.ResponseWriter, r *http.Request) {
	actorID := r.PathValue("actorId")
	inst, err := h.instanceFor(r, actorID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	handled, err := inst.ServeRawRequest(r.Context(), w, r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !handled {
		writeError(w, http.StatusNotFound, "no route or raw handler for "+r.URL.Path)
	}
}

func (h *Host) instanceFor(r *http.Request, actorID string) (*actor.Instance, error) {
	handle, err := h.mgr.GetForID(r.Context(), actorID)
	if err != nil {
		return nil, err
	}
	return handle.Instance(r.Context())
}

func actorHandleJSON(h manager.ActorHandle) map[string]any {
	return map[string]any{"actorId": h.ActorID, "name": h.Name, "key": h.Key}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, wire.HTTPResponseError{Message: msg})
}

func writeAppError(w http.ResponseWriter, err error) {
	if rerr, ok := riveterrors.As(err); ok {
		writeJSON(w, riveterrors.StatusFor(rerr), wire.HTTPResponseError{
			Group: string(rerr.Group), Code: rerr.Code, Message: rerr.Message, Metadata: rerr.Metadata,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
