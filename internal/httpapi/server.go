// Package httpapi exposes a replica over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DobryySoul/causalkv"
)

const (
	contentTypeJSON   = "application/json"
	maxValueSize      = 1 << 20
	readHeaderTimeout = time.Second
)

// KV is the replica served by the API.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
	HeadCID(ctx context.Context) (string, error)
	Iterator(ctx context.Context, opts causalkv.IteratorOptions[string]) (*causalkv.Iterator[string, []byte], error)
}

var _ KV = (*causalkv.DB[string, []byte])(nil)

// Server represents the HTTP server of one replica.
type Server struct {
	kv         KV
	logger     *zap.Logger
	httpServer *http.Server
}

func NewServer(kv KV, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{kv: kv, logger: logger}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/head", s.handleHead)
	r.Get("/kv", s.handleRange)
	r.Get("/kv/{key}", s.handleGet)
	r.Put("/kv/{key}", s.handlePut)
	r.Delete("/kv/{key}", s.handleDelete)

	return r
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case causalkv.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, causalkv.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, causalkv.ErrClosed), errors.Is(err, causalkv.ErrNotOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, causalkv.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	head, err := s.kv.HeadCID(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewHeadResponse(head))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	value, err := s.kv.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value)))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read body"))
		return
	}
	if len(value) > maxValueSize {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse("Value too large"))
		return
	}
	if err := s.kv.Put(r.Context(), chi.URLParam(r, "key"), value); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.kv.Del(r.Context(), chi.URLParam(r, "key")); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// handleRange scans keys. Query parameters gt, gte, lt and lte bound the
// range; reverse and limit shape it.
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	bound := func(name string) *string {
		if !query.Has(name) {
			return nil
		}
		v := query.Get(name)
		return &v
	}
	opts := causalkv.IteratorOptions[string]{
		GT:  bound("gt"),
		GTE: bound("gte"),
		LT:  bound("lt"),
		LTE: bound("lte"),
	}
	if v := query.Get("reverse"); v != "" {
		reverse, err := strconv.ParseBool(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid reverse"))
			return
		}
		opts.Reverse = reverse
	}
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid limit"))
			return
		}
		opts.Limit = limit
	}

	ctx := r.Context()
	it, err := s.kv.Iterator(ctx, opts)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer it.Close()

	var pairs []Pair
	for it.Next(ctx) {
		pairs = append(pairs, Pair{Key: it.Key(), Value: string(it.Value())})
	}
	if err := it.Err(); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewPairsResponse(pairs))
}
