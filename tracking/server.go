package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	socketio "github.com/googollee/go-socket.io"
	"github.com/gorilla/mux"
	"k8s.io/klog/v2"
)

// Server exposes the run API over HTTP and pushes logged epochs to socket.io
// subscribers. Mount Router at "/" and Socket at "/socket.io/".
type Server struct {
	store  *Store
	hub    *hub
	router *mux.Router
	socket *socketio.Server
}

// NewServer wires the REST routes and socket.io event handlers around store.
func NewServer(store *Store) (*Server, error) {
	socket, err := socketio.NewServer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket.io server: %w", err)
	}

	s := &Server{
		store:  store,
		hub:    newHub(),
		router: mux.NewRouter(),
		socket: socket,
	}
	s.routes()
	s.socketHandlers()
	return s, nil
}

// Router returns the REST API handler.
func (s *Server) Router() *mux.Router { return s.router }

// Socket returns the socket.io server. Callers run Serve in a goroutine and
// Close it on shutdown.
func (s *Server) Socket() *socketio.Server { return s.socket }

func (s *Server) routes() {
	s.router.HandleFunc("/api/runs", s.handleCreateRun).Methods("POST")
	s.router.HandleFunc("/api/runs", s.handleListRuns).Methods("GET")
	s.router.HandleFunc("/api/runs/{run_id}", s.handleGetRun).Methods("GET")
	s.router.HandleFunc("/api/runs/{run_id}/log", s.handleAppendLog).Methods("POST")
	s.router.HandleFunc("/api/runs/{run_id}/finish", s.handleFinishRun).Methods("POST")
	s.router.HandleFunc("/api/runs/{run_id}/metrics", s.handleMetrics).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// socketHandlers lets dashboard clients follow runs live. A client emits
// "subscribe" with a run id and then receives "epoch" and "status" events
// for that run until it unsubscribes or disconnects.
func (s *Server) socketHandlers() {
	s.socket.OnConnect("/", func(conn socketio.Conn) error {
		klog.V(1).Infof("Dashboard client %s connected", conn.ID())
		return nil
	})
	s.socket.OnEvent("/", "subscribe", func(conn socketio.Conn, runID string) {
		s.hub.subscribe(runID, conn)
	})
	s.socket.OnEvent("/", "unsubscribe", func(conn socketio.Conn, runID string) {
		s.hub.unsubscribe(runID, conn)
	})
	s.socket.OnDisconnect("/", func(conn socketio.Conn, reason string) {
		s.hub.drop(conn.ID())
	})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := parseJSONRequest(w, r, &req); err != nil {
		return
	}
	if req.Project == "" {
		http.Error(w, "project is required", http.StatusBadRequest)
		return
	}

	run := RunRecord{
		ID:          uuid.New().String(),
		Project:     req.Project,
		Name:        req.Name,
		Config:      req.Config,
		Environment: req.Environment,
		Status:      StatusRunning,
		CreatedAt:   time.Now().UTC(),
	}
	if run.Name == "" {
		run.Name = run.ID[:8]
	}
	if err := s.store.CreateRun(run); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	klog.Infof("Created run %s in project %s", run.ID, run.Project)
	jsonResponse(w, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// An empty list encodes as [], not null.
	if runs == nil {
		runs = []RunRecord{}
	}
	jsonResponse(w, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(mux.Vars(r)["run_id"])
	if errors.Is(err, ErrRunNotFound) {
		http.Error(w, "no such run", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	var entry LogEntry
	if err := parseJSONRequest(w, r, &entry); err != nil {
		return
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}

	if err := s.store.AppendLog(runID, entry); err != nil {
		if errors.Is(err, ErrRunNotFound) {
			http.Error(w, "no such run", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.broadcast(runID, "epoch", EpochEvent{
		RunID:    runID,
		Epoch:    entry.Epoch,
		Metrics:  entry.Metrics,
		LoggedAt: entry.LoggedAt,
	})
	jsonResponse(w, entry)
}

func (s *Server) handleFinishRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	var req FinishRunRequest
	if err := parseJSONRequest(w, r, &req); err != nil {
		return
	}
	if req.Status == "" {
		req.Status = StatusFinished
	}
	if req.Status != StatusFinished && req.Status != StatusFailed {
		http.Error(w, fmt.Sprintf("invalid terminal status %q", req.Status), http.StatusBadRequest)
		return
	}

	if err := s.store.FinishRun(runID, req.Status, req.Error, time.Now().UTC()); err != nil {
		if errors.Is(err, ErrRunNotFound) {
			http.Error(w, "no such run", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.broadcast(runID, "status", StatusEvent{RunID: runID, Status: req.Status})
	klog.Infof("Run %s finished with status %s", runID, req.Status)

	run, err := s.store.GetRun(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Logs(mux.Vars(r)["run_id"])
	if errors.Is(err, ErrRunNotFound) {
		http.Error(w, "no such run", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	jsonResponse(w, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"status": "ok"})
}

func jsonResponse(w http.ResponseWriter, x interface{}) {
	body, err := json.Marshal(x)
	if err != nil {
		http.Error(w, fmt.Sprintf("json encode error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func parseJSONRequest(w http.ResponseWriter, r *http.Request, x interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("json decode error: %v", err), http.StatusBadRequest)
		return err
	}
	if err := json.Unmarshal(body, x); err != nil {
		http.Error(w, fmt.Sprintf("json decode error: %v", err), http.StatusBadRequest)
		return err
	}
	return nil
}
