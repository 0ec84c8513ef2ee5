package wall

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the operator-facing HTTP surface. It only translates
// between HTTP and the core managers; every algorithm lives below it.
type Handler struct {
	groups  *GroupManager
	clients *ClientManager
	log     *slog.Logger
}

// NewHandler returns a Handler over the given managers.
func NewHandler(groups *GroupManager, clients *ClientManager, log *slog.Logger) *Handler {
	return &Handler{groups: groups, clients: clients, log: log}
}

// Routes mounts all operator endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/groups", func(r chi.Router) {
		r.Post("/", h.CreateGroup)
		r.Get("/", h.ListGroups)
		r.Route("/{group_id}", func(r chi.Router) {
			r.Get("/", h.GetGroup)
			r.Delete("/", h.DeleteGroup)
			r.Post("/encoder/start", h.StartEncoder)
			r.Post("/stop", h.StopGroup)
			r.Post("/auto-assign", h.AutoAssign)
		})
	})
	r.Route("/clients", func(r chi.Router) {
		r.Post("/register", h.RegisterClient)
		r.Get("/", h.ListClients)
		r.Route("/{client_id}", func(r chi.Router) {
			r.Delete("/", h.RemoveClient)
			r.Post("/heartbeat", h.Heartbeat)
			r.Post("/assign/group", h.AssignGroup)
			r.Post("/assign/stream", h.AssignStream)
			r.Post("/assign/screen", h.AssignScreen)
			r.Post("/unassign", h.Unassign)
			r.Get("/status", h.ClientStatus)
		})
	})
	r.Route("/admin", func(r chi.Router) {
		r.Get("/orphans", h.ListOrphans)
		r.Post("/orphans/cleanup", h.CleanupOrphans)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error    string `json:"error"`
	Conflict any    `json:"conflict,omitempty"`
	Tail     any    `json:"diagnostic_tail,omitempty"`
}

// writeError maps core error kinds onto HTTP statuses. Conflicts carry the
// conflicting party; encoder failures carry the diagnostic tail.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var conflict *ScreenConflictError
	var encErr *EncoderStartError

	switch {
	case errors.Is(err, ErrGroupNotFound), errors.Is(err, ErrClientNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, ErrDuplicateGroupName):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorBody{
			Error: err.Error(),
			Conflict: map[string]any{
				"screen":      conflict.Screen,
				"client_id":   conflict.HolderID,
				"client_name": conflict.HolderName,
			},
		})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrScreenOutOfRange), errors.Is(err, ErrNoStreamsAvailable):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, ErrContainerNotRunning):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.As(err, &encErr):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Tail: encErr.Tail})
	default:
		h.log.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

// CreateGroup handles POST /groups.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	g, err := h.groups.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

type groupView struct {
	Group
	Status GroupStatus `json:"status"`
}

// ListGroups handles GET /groups.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.groups.List()
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		status, _ := h.groups.Status(r.Context(), g.ID)
		out = append(out, groupView{Group: g, Status: status})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetGroup handles GET /groups/{group_id}.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "group_id")
	g, err := h.groups.Get(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status, _ := h.groups.Status(r.Context(), id)
	writeJSON(w, http.StatusOK, groupView{Group: g, Status: status})
}

// DeleteGroup handles DELETE /groups/{group_id}.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	res, err := h.groups.Delete(r.Context(), chi.URLParam(r, "group_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StartEncoder handles POST /groups/{group_id}/encoder/start.
func (h *Handler) StartEncoder(w http.ResponseWriter, r *http.Request) {
	var opts EncoderOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
	}
	if err := h.groups.StartEncoder(r.Context(), chi.URLParam(r, "group_id"), opts); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "encoder started"})
}

// StopGroup handles POST /groups/{group_id}/stop.
func (h *Handler) StopGroup(w http.ResponseWriter, r *http.Request) {
	res, err := h.groups.Stop(r.Context(), chi.URLParam(r, "group_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AutoAssign handles POST /groups/{group_id}/auto-assign.
func (h *Handler) AutoAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode AutoAssignMode `json:"mode"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
	}
	if req.Mode == "" {
		req.Mode = AutoAssignScreens
	}
	n, err := h.clients.AutoAssign(chi.URLParam(r, "group_id"), req.Mode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"assigned": n})
}

// RegisterClient handles POST /clients/register.
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hostname    string `json:"hostname"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if req.Hostname == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "hostname is required"})
		return
	}
	c := h.clients.Register(req.Hostname, r.RemoteAddr, req.DisplayName)
	writeJSON(w, http.StatusCreated, c)
}

// ListClients handles GET /clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.clients.List())
}

// RemoveClient handles DELETE /clients/{client_id}.
func (h *Handler) RemoveClient(w http.ResponseWriter, r *http.Request) {
	if err := h.clients.Remove(chi.URLParam(r, "client_id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat handles POST /clients/{client_id}/heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.clients.Heartbeat(chi.URLParam(r, "client_id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignGroup handles POST /clients/{client_id}/assign/group.
func (h *Handler) AssignGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID string `json:"group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if err := h.clients.AssignToGroup(chi.URLParam(r, "client_id"), req.GroupID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignStream handles POST /clients/{client_id}/assign/stream.
func (h *Handler) AssignStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID     string `json:"group_id"`
		Stream      string `json:"stream"`
		TransportIP string `json:"transport_ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if err := h.clients.AssignToStream(chi.URLParam(r, "client_id"), req.GroupID, req.Stream, req.TransportIP); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignScreen handles POST /clients/{client_id}/assign/screen.
func (h *Handler) AssignScreen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupID     string `json:"group_id"`
		Screen      *int   `json:"screen"`
		TransportIP string `json:"transport_ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if req.Screen == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "screen is required"})
		return
	}
	if err := h.clients.AssignToScreen(chi.URLParam(r, "client_id"), req.GroupID, *req.Screen, req.TransportIP); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unassign handles POST /clients/{client_id}/unassign.
func (h *Handler) Unassign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope UnassignScope `json:"scope"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
	}
	if req.Scope == "" {
		req.Scope = UnassignAll
	}
	if err := h.clients.Unassign(chi.URLParam(r, "client_id"), req.Scope); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClientStatus handles GET /clients/{client_id}/status: the readiness poll.
func (h *Handler) ClientStatus(w http.ResponseWriter, r *http.Request) {
	res := h.clients.WaitForAssignment(r.Context(), chi.URLParam(r, "client_id"))
	writeJSON(w, http.StatusOK, res)
}

// ListOrphans handles GET /admin/orphans.
func (h *Handler) ListOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := h.groups.Orphans()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orphans)
}

// CleanupOrphans handles POST /admin/orphans/cleanup.
func (h *Handler) CleanupOrphans(w http.ResponseWriter, r *http.Request) {
	n, err := h.groups.CleanupOrphans()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"terminated": n})
}
