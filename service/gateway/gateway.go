// Package gateway accepts file uploads over HTTP and adds them to the
// content store. It does not touch the ledger; registering the returned
// content id is up to the caller.
package gateway

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/api"
	"github.com/dstorage/go-dstor/config"
	logging "github.com/dstorage/go-dstor/lib/log"
	"github.com/dstorage/go-dstor/submodule/metrics"
)

var logger = logging.Logger("gateway")

const (
	UploadPath = "/upload"
	FormField  = "file"

	RequestIDHeader = "X-Request-Id"
)

type Options struct {
	// TempDir holds uploads while they are added; empty means os.TempDir.
	TempDir        string
	MaxUploadBytes int64
	AddTimeout     time.Duration
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		TempDir:        cfg.Gateway.TempDir,
		MaxUploadBytes: cfg.Gateway.MaxUploadBytes,
		AddTimeout:     cfg.Content.Timeout.Std(),
	}
}

type Gateway struct {
	store api.IContentStore
	opts  Options
}

func New(store api.IContentStore, opts Options) *Gateway {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 1 << 30
	}
	if opts.AddTimeout <= 0 {
		opts.AddTimeout = 2 * time.Minute
	}
	return &Gateway{store: store, opts: opts}
}

func (g *Gateway) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(UploadPath, g.upload).Methods(http.MethodPost, http.MethodOptions)
	router.Use(mux.CORSMethodMiddleware(router))
	router.Use(allowAnyOrigin)

	return instrument(router)
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument tags every request with an id and records its duration by
// status code.
func instrument(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(RequestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, rid)

		m := httpsnoop.CaptureMetrics(actual, w, r)

		ctx, err := tag.New(r.Context(), tag.Upsert(metrics.Code, strconv.Itoa(m.Code)))
		if err == nil {
			stats.Record(ctx, metrics.RequestDuration.M(float64(m.Duration.Nanoseconds())/1e6))
		}
		logger.Debugw("request", "id", rid, "method", r.Method, "path", r.URL.Path, "code", m.Code, "bytes", m.Written, "duration", m.Duration)
	})
}

func (g *Gateway) upload(w http.ResponseWriter, r *http.Request) {
	rid := w.Header().Get(RequestIDHeader)
	r.Body = http.MaxBytesReader(w, r.Body, g.opts.MaxUploadBytes)

	part, err := filePart(r)
	if err != nil {
		var mbe *http.MaxBytesError
		if xerrors.As(err, &mbe) {
			http.Error(w, "File too large.", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "No file uploaded.", http.StatusBadRequest)
		return
	}
	defer part.Close()

	logger.Infow("receiving file", "id", rid, "name", part.FileName())

	id, size, err := g.spoolAndAdd(r.Context(), part)
	if err != nil {
		logger.Errorw("upload failed", "id", rid, "name", part.FileName(), "error", err)
		var mbe *http.MaxBytesError
		if xerrors.As(err, &mbe) {
			http.Error(w, "File too large.", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	stats.Record(r.Context(), metrics.UploadBytes.M(size))
	logger.Infow("file added", "id", rid, "name", part.FileName(), "cid", id, "size", size)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, id)
}

// filePart returns the first part named FormField.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		p, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if p.FormName() == FormField {
			return p, nil
		}
		p.Close()
	}
}

// spoolAndAdd copies src to a temporary file, which is removed on every
// path, and adds the file to the content store.
func (g *Gateway) spoolAndAdd(ctx context.Context, src io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(g.opts.TempDir, "upload-*")
	if err != nil {
		return "", 0, err
	}
	defer func() {
		tmp.Close()
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			logger.Warnw("remove temp file", "path", tmp.Name(), "error", err)
		}
	}()

	size, err := io.Copy(tmp, src)
	if err != nil {
		return "", size, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", size, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.AddTimeout)
	defer cancel()

	id, err := g.store.Add(ctx, tmp)
	if err != nil {
		return "", size, err
	}
	return id, size, nil
}

// Server is a gateway bound to its listen address.
type Server struct {
	srv *http.Server
	lst manet.Listener
}

// Listen binds listenAddr, a multiaddr such as /ip4/0.0.0.0/tcp/3000.
func Listen(g *Gateway, listenAddr string) (*Server, error) {
	maddr, err := ma.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, err
	}
	lst, err := manet.Listen(maddr)
	if err != nil {
		return nil, xerrors.Errorf("listen %s: %w", listenAddr, err)
	}

	logger.Infow("upload gateway listening", "address", lst.Multiaddr().String())
	return &Server{
		srv: &http.Server{Handler: g.Handler(), ReadHeaderTimeout: 30 * time.Second},
		lst: lst,
	}, nil
}

func (s *Server) Addr() ma.Multiaddr {
	return s.lst.Multiaddr()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	err := s.srv.Serve(manet.NetListener(s.lst))
	if xerrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
