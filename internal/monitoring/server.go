// internal/monitoring/server.go
package monitoring

import (
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/net/netutil"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("monitoring server closed")

// Server exposes /metrics, /status and /healthz for one Collector.
type Server struct {
	collector *Collector
	srv       *fasthttp.Server
	metrics   fasthttp.RequestHandler

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

func NewServer(c *Collector) *Server {
	s := &Server{
		collector: c,
		metrics: fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{}),
		),
	}
	s.srv = &fasthttp.Server{
		Handler:               s.handle,
		Name:                  "warp-monitor",
		NoDefaultServerHeader: true,
	}
	return s
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string, maxConns int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln, maxConns)
}

// Serve serves on ln, holding at most maxConns connections open when maxConns > 0.
func (s *Server) Serve(ln net.Listener, maxConns int) error {
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Int("max_conns", maxConns).Msg("Monitoring server listening")
	err := s.srv.Serve(ln)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrServerClosed
	}
	return err
}

// Shutdown stops accepting connections and waits for open requests.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.ln != nil
	s.mu.Unlock()

	if !started {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/metrics":
		s.metrics(ctx)
	case "/status":
		if !ctx.IsGet() {
			ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}
		body, err := json.Marshal(s.collector.Status())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to encode status")
			ctx.Error("status unavailable", fasthttp.StatusInternalServerError)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	case "/healthz":
		ctx.SetBodyString("ok")
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}
