package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xfeldman/panelplug/internal/descriptor"
	"github.com/xfeldman/panelplug/internal/host"
	"github.com/xfeldman/panelplug/internal/logstore"
	"github.com/xfeldman/panelplug/internal/plugin"
)

type itemResponse struct {
	ID          string `json:"id"`
	Plugin      string `json:"plugin"`
	DisplayName string `json:"display_name"`
	Executable  string `json:"executable"`
	State       string `json:"state"`
	PID         int    `json:"pid,omitempty"`
	Expand      bool   `json:"expand"`
	Anomalous   bool   `json:"anomalous,omitempty"`
	Error       string `json:"error,omitempty"`
}

func itemToResponse(it *host.Item) itemResponse {
	resp := itemResponse{
		ID:          it.ID(),
		Plugin:      it.Name(),
		DisplayName: it.DisplayName(),
		Executable:  it.Executable(),
		State:       it.State(),
		PID:         it.Pid(),
		Expand:      it.Expand(),
		Anomalous:   it.Anomalous(),
	}
	if err := it.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	descs, errs := descriptor.LoadDir(s.cfg.PluginsDir)
	for _, err := range errs {
		s.log.Warn("skipping descriptor", "error", err)
	}
	if descs == nil {
		descs = []*descriptor.Descriptor{}
	}
	writeJSON(w, http.StatusOK, descs)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items := s.manager.List()
	resp := make([]itemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, itemToResponse(it))
	}
	writeJSON(w, http.StatusOK, resp)
}

type createItemRequest struct {
	Plugin string `json:"plugin"`
	ID     string `json:"id,omitempty"`
	// Wait blocks the request until the item is live or has failed.
	Wait bool `json:"wait,omitempty"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Plugin == "" {
		writeError(w, http.StatusBadRequest, "plugin is required")
		return
	}
	if req.ID == "" {
		req.ID = req.Plugin + "-" + uuid.NewString()[:8]
	}
	if !isValidID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	descs, _ := descriptor.LoadDir(s.cfg.PluginsDir)
	desc, ok := descriptor.Find(descs, req.Plugin)
	if !ok {
		writeError(w, http.StatusNotFound, "plugin not installed: "+req.Plugin)
		return
	}

	it, err := s.manager.Create(r.Context(), desc, req.ID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, host.ErrUnique):
			status = http.StatusConflict
		case errors.Is(err, host.ErrSpawnFailure):
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}

	if req.Wait {
		if err := it.WaitLive(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, itemToResponse(it))
}

// item resolves the {id} path value, writing a 404 when there is no such
// item.
func (s *Server) item(w http.ResponseWriter, r *http.Request) *host.Item {
	it := s.manager.Get(r.PathValue("id"))
	if it == nil {
		writeError(w, http.StatusNotFound, "item not found")
	}
	return it
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	if it := s.item(w, r); it != nil {
		writeJSON(w, http.StatusOK, itemToResponse(it))
	}
}

func (s *Server) handleFreeItem(w http.ResponseWriter, r *http.Request) {
	s.removeItem(w, r.PathValue("id"), s.manager.Remove)
}

func (s *Server) handleRequestRemove(w http.ResponseWriter, r *http.Request) {
	s.removeItem(w, r.PathValue("id"), s.manager.RequestRemove)
}

func (s *Server) removeItem(w http.ResponseWriter, id string, remove func(string) error) {
	if err := remove(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, host.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleConfigureItem(w http.ResponseWriter, r *http.Request) {
	if it := s.item(w, r); it != nil {
		it.Configure()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleSaveItem(w http.ResponseWriter, r *http.Request) {
	if it := s.item(w, r); it != nil {
		it.Save()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleSaveAll(w http.ResponseWriter, r *http.Request) {
	s.manager.SaveAll()
	w.WriteHeader(http.StatusAccepted)
}

// handleItemLogs streams an item's log as NDJSON. Items that are no longer
// on the panel are served from their log file.
func (s *Server) handleItemLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = t
	}

	var entries []logstore.LogEntry
	if il := s.logs.Get(id); il != nil {
		entries = il.Read(since, tail)
	} else {
		all, err := s.logs.ReadFile(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "no logs for "+id)
			return
		}
		for _, e := range all {
			if since.IsZero() || e.Timestamp.After(since) {
				entries = append(entries, e)
			}
		}
		if tail > 0 && len(entries) > tail {
			entries = entries[len(entries)-tail:]
		}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return
		}
	}
}

type panelRequest struct {
	Size           *int   `json:"size,omitempty"`
	ScreenPosition string `json:"screen_position,omitempty"`
}

func (s *Server) handleSetPanel(w http.ResponseWriter, r *http.Request) {
	var req panelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Size != nil && *req.Size <= 0 {
		writeError(w, http.StatusBadRequest, "size must be positive")
		return
	}
	var pos plugin.ScreenPosition
	if req.ScreenPosition != "" {
		p, err := plugin.ParseScreenPosition(req.ScreenPosition)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		pos = p
	}

	if req.Size != nil {
		s.manager.SetSize(*req.Size)
	}
	if req.ScreenPosition != "" {
		s.manager.SetScreenPosition(pos)
	}
	w.WriteHeader(http.StatusAccepted)
}
