// Package api serves the classroom HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// Classrooms is the classroom lifecycle the API exposes. Implemented by session.Manager.
type Classrooms interface {
	interfaces.ClassroomManager
	Get(ctx context.Context, code string) (*types.ClassroomSession, error)
	End(ctx context.Context, code string) error
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	ClassroomConnections(code string) []interfaces.Connection
	Stats() map[string]int
}

// HealthChecker reports the archive health. Optional.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	classrooms Classrooms
	health     HealthChecker
	registry   Registry
	router     *http.ServeMux
	started    time.Time
}

// NewServer wires the endpoints. health may be nil when no archive is configured.
func NewServer(classrooms Classrooms, health HealthChecker, registry Registry) *Server {
	s := &Server{
		classrooms: classrooms,
		health:     health,
		registry:   registry,
		router:     http.NewServeMux(),
		started:    time.Now(),
	}
	s.setupRoutes()
	return s
}

// Mount adds an extra handler, e.g. the websocket endpoint, behind the same mux.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Handle(pattern, h)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/classrooms", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleClassrooms))))
	s.router.Handle("/api/classrooms/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleClassroomByCode))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// FUNCTIONAL DISCOVERY: Handle classroom collection endpoints (POST /api/classrooms, GET /api/classrooms)
func (s *Server) handleClassrooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createClassroom(w, r)
	case http.MethodGet:
		s.listClassrooms(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// FUNCTIONAL DISCOVERY: Handle individual classroom endpoints (GET, DELETE /api/classrooms/{code})
func (s *Server) handleClassroomByCode(w http.ResponseWriter, r *http.Request) {
	code := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/classrooms/"), "/")[0]
	if code == "" {
		s.sendError(w, "Classroom code required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getClassroom(w, r, code)
	case http.MethodDelete:
		s.endClassroom(w, r, code)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Request/Response types for JSON serialization
type CreateClassroomRequest struct {
	TeacherID string `json:"teacherId"`
}

type ClassroomResponse struct {
	Classroom       *types.ClassroomSession `json:"classroom"`
	ConnectionCount int                     `json:"connectionCount"`
}

type ListClassroomsResponse struct {
	Codes []string `json:"codes"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Classrooms  int            `json:"classrooms"`
	Uptime      string         `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/classrooms
func (s *Server) createClassroom(w http.ResponseWriter, r *http.Request) {
	var req CreateClassroomRequest
	// an empty body is allowed, the teacher id is then generated
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	session, err := s.classrooms.CreateClassroom(r.Context(), req.TeacherID)
	if err != nil {
		s.sendDomainError(w, "Failed to create classroom", err)
		return
	}
	s.sendJSON(w, http.StatusCreated, ClassroomResponse{Classroom: session})
}

// GET /api/classrooms
func (s *Server) listClassrooms(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, ListClassroomsResponse{Codes: s.classrooms.ActiveCodes()})
}

// GET /api/classrooms/{code}
func (s *Server) getClassroom(w http.ResponseWriter, r *http.Request, code string) {
	session, err := s.classrooms.Get(r.Context(), code)
	if err != nil {
		s.sendDomainError(w, "Failed to get classroom", err)
		return
	}
	s.sendJSON(w, http.StatusOK, ClassroomResponse{
		Classroom:       session,
		ConnectionCount: len(s.registry.ClassroomConnections(session.Code)),
	})
}

// DELETE /api/classrooms/{code}
func (s *Server) endClassroom(w http.ResponseWriter, r *http.Request, code string) {
	if err := s.classrooms.End(r.Context(), code); err != nil {
		s.sendDomainError(w, "Failed to end classroom", err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Classroom ended"})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, dbStatus := "healthy", "disabled"
	if s.health != nil {
		dbStatus = "healthy"
		if err := s.health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	code := http.StatusOK
	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.Stats(),
		Classrooms:  len(s.classrooms.ActiveCodes()),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

// sendDomainError maps the error taxonomy onto HTTP status codes.
func (s *Server) sendDomainError(w http.ResponseWriter, fallback string, err error) {
	var (
		validation *types.ValidationError
		conflict   *types.StateConflictError
	)
	switch {
	case errors.As(err, &validation):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, interfaces.ErrClassroomNotFound):
		s.sendError(w, "Classroom not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrClassroomEnded), errors.As(err, &conflict):
		s.sendError(w, err.Error(), http.StatusConflict)
	default:
		log.Printf("API error: %s: %v", fallback, err)
		s.sendError(w, fallback, http.StatusInternalServerError)
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// FUNCTIONAL DISCOVERY: Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
