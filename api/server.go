package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"tipline/config"
	"tipline/core/cases"
	"tipline/core/incidents"
	"tipline/core/ncmec"
	"tipline/core/store"
	"tipline/core/utils"
)

type Server struct {
	cfg       config.AppConfig
	logger    *utils.Logger
	incidents *incidents.Service
	cases     *cases.Service
	users     store.UsersStore
	forum     store.ForumStore
	apiLog    store.ApiLogStore
	transport ncmec.Transport
}

func NewServer(
	cfg config.AppConfig,
	logger *utils.Logger,
	incidentSvc *incidents.Service,
	caseSvc *cases.Service,
	users store.UsersStore,
	forum store.ForumStore,
	apiLog store.ApiLogStore,
	transport ncmec.Transport,
) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		incidents: incidentSvc,
		cases:     caseSvc,
		users:     users,
		forum:     forum,
		apiLog:    apiLog,
		transport: transport,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.logMiddleware)

	r.Get("/healthz", s.Healthz)
	r.Get("/intake/status", s.IntakeStatus)
	r.Get("/api-log", s.ListApiLog)

	r.Route("/users", func(r chi.Router) {
		r.Post("/", s.UpsertUser)
		r.Get("/{id:[0-9]+}", s.GetUser)
		r.Post("/{id:[0-9]+}/ips", s.AddUserIP)
	})

	r.Route("/incidents", func(r chi.Router) {
		r.Post("/", s.CreateIncident)
		r.Get("/", s.ListIncidents)
		r.Get("/{id:[0-9]+}", s.GetIncident)
		r.Delete("/{id:[0-9]+}", s.DeleteIncident)
		r.Get("/{id:[0-9]+}/users", s.IncidentUsers)
		r.Post("/{id:[0-9]+}/users", s.AssociateUsers)
		r.Delete("/{id:[0-9]+}/users", s.DisassociateUsers)
		r.Get("/{id:[0-9]+}/contents", s.IncidentContents)
		r.Post("/{id:[0-9]+}/contents", s.AssociateContent)
		r.Delete("/{id:[0-9]+}/contents", s.DisassociateContent)
		r.Get("/{id:[0-9]+}/attachments", s.IncidentAttachments)
		r.Post("/{id:[0-9]+}/attachments", s.AssociateAttachments)
		r.Delete("/{id:[0-9]+}/attachments/{dataID:[0-9]+}", s.DisassociateAttachment)
		r.Post("/{id:[0-9]+}/collect", s.CollectIncident)
	})

	r.Route("/cases", func(r chi.Router) {
		r.Post("/", s.CreateCase)
		r.Get("/", s.ListCases)
		r.Get("/{id:[0-9]+}", s.GetCase)
		r.Put("/{id:[0-9]+}", s.UpdateCase)
		r.Post("/{id:[0-9]+}/annotations", s.AddAnnotation)
		r.Get("/{id:[0-9]+}/incidents", s.CaseIncidents)
		r.Post("/{id:[0-9]+}/incidents", s.AttachIncidents)
		r.Get("/{id:[0-9]+}/reports", s.CaseReports)
		r.Get("/{id:[0-9]+}/state", s.CaseState)
		r.Post("/{id:[0-9]+}/finalize", s.FinalizeCase)
		r.Post("/{id:[0-9]+}/retract", s.RetractCase)
	})

	r.Route("/persons", func(r chi.Router) {
		r.Post("/", s.CreatePerson)
		r.Get("/{id:[0-9]+}", s.GetPerson)
	})

	return r
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.logger != nil {
					s.logger.Errorf("PANIC %s %s: %v\n%s", r.Method, r.URL.Path, rec, string(debug.Stack()))
				}
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := ""
		if id, err := uuid.NewV4(); err == nil {
			reqID = id.String()
			w.Header().Set("X-Request-Id", reqID)
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Infof("%s %s -> %d (%s) req=%s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond), reqID)
	})
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// IntakeStatus probes the reporting service and relays whether it answers.
func (s *Server) IntakeStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.transport.Status(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) ListApiLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.apiLog.List(r.Context(),
		parseIntDefault(r.URL.Query().Get("limit"), 100),
		parseIntDefault(r.URL.Query().Get("offset"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}
