// Package api serves the read-only admin surface: health, metrics and
// import record inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orientinsight/bookingmail/internal/model"
	"github.com/orientinsight/bookingmail/internal/store"
)

// ImportReader is the store subset the admin routes read.
type ImportReader interface {
	GetImport(ctx context.Context, discriminator string) (*model.ImportRecord, error)
	ListImports(ctx context.Context, filter store.ImportFilter) ([]model.ImportRecord, error)
}

// defaultListLimit caps /imports when no limit is given.
const defaultListLimit = 100

// Server is the admin HTTP server.
type Server struct {
	imports ImportReader
	log     *zap.Logger
	http    *http.Server
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, imports ImportReader, log *zap.Logger) *Server {
	s := &Server{imports: imports, log: log.Named("api")}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/imports", s.handleListImports).Methods(http.MethodGet)
	router.HandleFunc("/imports/{discriminator}", s.handleGetImport).Methods(http.MethodGet)
	return router
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is
// not an error.
func (s *Server) ListenAndServe() error {
	s.log.Info("admin server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	statuses, err := store.ParseStatuses(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.ImportFilter{Statuses: statuses, Limit: defaultListLimit}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	recs, err := s.imports.ListImports(r.Context(), filter)
	if err != nil {
		s.log.Error("listing imports", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "listing imports failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"imports": recs,
		"count":   len(recs),
	})
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	d := mux.Vars(r)["discriminator"]

	rec, err := s.imports.GetImport(r.Context(), d)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "import not found")
		return
	}
	if err != nil {
		s.log.Error("getting import", zap.String("discriminator", d), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "getting import failed")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
