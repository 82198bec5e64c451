package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/haasonsaas/eventic/internal/tasks"
)

// TaskService is the slice of the task manager the gateway exposes
// over HTTP. *tasks.Manager satisfies it.
type TaskService interface {
	Spawn(spec tasks.Spec) (string, error)
	Status(taskID string) (tasks.BackgroundTask, error)
	List(filter tasks.Filter) []tasks.BackgroundTask
	Cancel(taskID string) error
	Output(taskID string, since uint64) ([]tasks.LogLine, error)
}

// SetTasks wires the task admin API. Call before Handler or Start;
// without it the /api/tasks routes return 404.
func (s *Server) SetTasks(svc TaskService) {
	s.tasks = svc
}

func (s *Server) registerTaskRoutes(mux *http.ServeMux) {
	if s.tasks == nil {
		return
	}
	mux.HandleFunc("POST /api/tasks", s.handleTaskSpawn)
	mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskStatus)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleTaskCancel)
	mux.HandleFunc("GET /api/tasks/{id}/output", s.handleTaskOutput)
}

func (s *Server) handleTaskSpawn(w http.ResponseWriter, r *http.Request) {
	var spec tasks.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task spec: "+err.Error())
		return
	}
	id, err := s.tasks.Spawn(spec)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	filter := tasks.Filter{
		Status: tasks.Status(r.URL.Query().Get("status")),
		Type:   tasks.Type(r.URL.Query().Get("type")),
	}
	list := s.tasks.List(filter)
	if list == nil {
		list = []tasks.BackgroundTask{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Status(r.PathValue("id"))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Cancel(r.PathValue("id")); err != nil {
		writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskOutput(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = parsed
	}
	lines, err := s.tasks.Output(r.PathValue("id"), since)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if lines == nil {
		lines = []tasks.LogLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

func writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, tasks.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
