// Package inspector implements §4.H's read-only admin/introspection
// surface plus the bulk operator actions SPEC_FULL §3 adds on top of it:
// list actors, read one actor's state, tail its debug log buffer, and
// force a destroy/wake — everything gated behind a single bearer token.
package inspector

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/manager"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// Deps holds the inspector's dependencies, mirroring the teacher router's
// Deps-struct-plus-New(d Deps) http.Handler shape.
type Deps struct {
	Manager *manager.Manager
	Log     *zap.Logger

	// Token gates every route under requireBearer. An empty Token with
	// Disabled false is treated as "inspector misconfigured" and New
	// panics, since serving admin endpoints with no auth at all is never
	// the right default.
	Token    string
	Disabled bool
}

// New builds the `/inspect` handler tree. If d.Disabled is set
// (RIVETKIT_INSPECTOR_DISABLE), it returns a handler that 404s every
// route rather than omitting registration, so a host can always mount it
// unconditionally at the same path.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	if d.Disabled {
		mux.HandleFunc("/inspect/", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "inspector disabled")
		})
		return mux
	}
	if d.Token == "" {
		panic("inspector: Deps.Token must be set unless Deps.Disabled is true")
	}

	requireBearer := bearerAuth(d.Token)

	mux.Handle("GET /inspect", requireBearer(http.HandlerFunc(root(d))))
	mux.Handle("GET /inspect/actors", requireBearer(http.HandlerFunc(listActors(d))))
	mux.Handle("GET /inspect/actors/{id}", requireBearer(http.HandlerFunc(getActor(d))))
	mux.Handle("GET /inspect/actors/{id}/state", requireBearer(http.HandlerFunc(getActorState(d))))
	mux.Handle("GET /inspect/actors/{id}/logs", requireBearer(http.HandlerFunc(getActorLogs(d))))
	mux.Handle("POST /inspect/actors/{id}/destroy", requireBearer(http.HandlerFunc(destroyActor(d))))
	mux.Handle("POST /inspect/actors/{id}/wake", requireBearer(http.HandlerFunc(wakeActor(d))))

	return mux
}

// bearerAuth follows the teacher's middleware.RequireAuth shape
// (Authorization: Bearer <token> or 401), generalized from a per-user JWT
// to a single shared operator token since §4.H has no concept of users.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw != token {
				writeError(w, http.StatusUnauthorized, "missing or invalid inspector token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func root(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"service": "rivetkit-host", "inspect": "ok"})
	}
}

func listActors(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		var prefix []string
		if p := r.URL.Query().Get("prefix"); p != "" {
			prefix = strings.Split(p, ",")
		}
		limit := 0
		if l := r.URL.Query().Get("limit"); l != "" {
			limit, _ = strconv.Atoi(l)
		}
		handles := d.Manager.List(name, prefix, limit)
		out := make([]map[string]any, 0, len(handles))
		for _, h := range handles {
			out = append(out, map[string]any{"actorId": h.ActorID, "name": h.Name, "key": h.Key})
		}
		writeJSON(w, http.StatusOK, map[string]any{"actors": out})
	}
}

func getActor(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := resolveInstance(r, d)
		if err != nil {
			writeAppError(w, err)
			return
		}
		info, err := inst.Info(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func getActorState(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := resolveInstance(r, d)
		if err != nil {
			writeAppError(w, err)
			return
		}
		state, err := inst.StateJSON(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if len(state) == 0 {
			_, _ = w.Write([]byte("null"))
			return
		}
		_, _ = w.Write(state)
	}
}

func getActorLogs(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := resolveInstance(r, d)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": inst.DebugLogs()})
	}
}

func destroyActor(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := d.Manager.Destroy(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
	}
}

func wakeActor(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := resolveInstance(r, d)
		if err != nil {
			writeAppError(w, err)
			return
		}
		info, err := inst.Info(r.Context())
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// resolveInstance looks the path's {id} up through the manager, waking it
// if it is currently asleep — GetForID followed by Instance() is the same
// acquire path any ordinary dispatch goes through (§4.E).
func resolveInstance(r *http.Request, d Deps) (*actor.Instance, error) {
	id := r.PathValue("id")
	h, err := d.Manager.GetForID(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return h.Instance(r.Context())
}

// ---- response helpers (teacher's router.go writeJSON/writeError shape) ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, err error) {
	if rerr, ok := riveterrors.As(err); ok {
		writeError(w, riveterrors.StatusFor(rerr), rerr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
