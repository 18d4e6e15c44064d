package mocktarget

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// Server is an in-memory stand-in for the CRUD deployment under test.
// It serves the same health and resource surface the orchestrator
// probes, which makes local dry runs and tests possible without a real
// deployment.
type Server struct {
	service  string
	instance string

	mu      sync.RWMutex
	healthy bool
	stores  map[string]map[string]map[string]interface{}
}

// NewServer creates a mock target for the given service name. The
// instance id is random per process, matching how a load balancer
// distinguishes replicas.
func NewServer(service string, resources ...string) *Server {
	if len(resources) == 0 {
		resources = []string{"users", "orders"}
	}

	stores := make(map[string]map[string]map[string]interface{}, len(resources))
	for _, resource := range resources {
		stores[resource] = make(map[string]map[string]interface{})
	}

	return &Server{
		service:  service,
		instance: service + "-" + uuid.New().String()[:8],
		healthy:  true,
		stores:   stores,
	}
}

// Instance returns the server's instance id
func (s *Server) Instance() string {
	return s.instance
}

// SetHealthy toggles the health endpoint between ok and unavailable
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	s.healthy = healthy
	s.mu.Unlock()
}

// Reset drops all stored records, simulating a service that lost its
// state across a restart
func (s *Server) Reset() {
	s.mu.Lock()
	for resource := range s.stores {
		s.stores[resource] = make(map[string]map[string]interface{})
	}
	s.mu.Unlock()
}

// Handler returns the HTTP handler serving health and CRUD routes
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	for resource := range s.stores {
		resource := resource
		router.HandleFunc("/"+resource, func(w http.ResponseWriter, r *http.Request) {
			s.handleCreate(w, r, resource)
		}).Methods(http.MethodPost)
		router.HandleFunc("/"+resource+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.handleGet(w, r, resource)
		}).Methods(http.MethodGet)
		router.HandleFunc("/"+resource+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.handleDelete(w, r, resource)
		}).Methods(http.MethodDelete)
	}

	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	healthy := s.healthy
	s.mu.RUnlock()

	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "down",
			"service":  s.service,
			"instance": s.instance,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"service":  s.service,
		"instance": s.instance,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, resource string) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	id := uuid.New().String()
	payload["id"] = id

	s.mu.Lock()
	s.stores[resource][id] = payload
	s.mu.Unlock()

	log.Debug().
		Str("service", s.service).
		Str("resource", resource).
		Str("id", id).
		Msg("Mock record created")
	writeJSON(w, http.StatusCreated, payload)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, resource string) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	record, ok := s.stores[resource][id]
	s.mu.RUnlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, resource string) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	_, ok := s.stores[resource][id]
	delete(s.stores[resource], id)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode mock response")
	}
}
