// Package proxy runs one dedicated reverse proxy per team preview. The proxy
// owns the only port a browser ever talks to; the dev server's host port
// stays private to this process.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/logger"
)

// registration is one team's live proxy: a listener, the server draining it,
// and the shared handler the gateway also mounts under /preview/:teamId.
type registration struct {
	port       int
	targetPort int
	listener   net.Listener
	server     *http.Server
	handler    http.Handler
}

// Registry tracks the per-team preview proxies.
type Registry struct {
	log *logger.Logger

	mu   sync.Mutex
	regs map[string]*registration
}

// NewRegistry creates an empty proxy registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		log:  log.WithFields(zap.String("component", "preview-proxy")),
		regs: make(map[string]*registration),
	}
}

// EnsureProxy makes sure a proxy for the team is listening and returns its
// port. listenPort 0 picks an ephemeral port; a team that already has a proxy
// keeps it unchanged whatever arguments are passed.
func (r *Registry) EnsureProxy(teamID string, listenPort, targetPort int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.regs[teamID]; ok {
		return reg.port, nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return 0, fmt.Errorf("listen for preview proxy: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	handler := r.buildHandler(teamID, targetPort)
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.regs[teamID] = &registration{
		port:       port,
		targetPort: targetPort,
		listener:   listener,
		server:     server,
		handler:    handler,
	}

	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			r.log.Warn("preview proxy server stopped",
				zap.String("team_id", teamID), zap.Error(serveErr))
		}
	}()

	r.log.Info("preview proxy started",
		zap.String("team_id", teamID),
		zap.Int("proxy_port", port),
		zap.Int("target_port", targetPort))
	return port, nil
}

// buildHandler creates the reverse proxy to the team's dev server. Paths pass
// through untouched; the dev server sees exactly what the browser asked for.
func (r *Registry) buildHandler(teamID string, targetPort int) http.Handler {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", targetPort)}
	proxy := httputil.NewSingleHostReverseProxy(target)

	// Preserve WebSocket headers that SingleHostReverseProxy strips, so the
	// dev server's hot-reload socket survives the hop.
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		if req.Header.Get("Upgrade") != "" {
			req.Header.Set("Connection", "Upgrade")
		}
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode == http.StatusSwitchingProtocols {
			resp.Header.Set("Connection", "Upgrade")
		}
		// Previews are embedded in the collaboration UI from another
		// origin, so the dev server's own restrictions must not apply.
		h := resp.Header
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		h.Del("X-Frame-Options")
		h.Set("Content-Security-Policy", "frame-ancestors *")
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		r.log.Warn("preview proxy error",
			zap.String("team_id", teamID),
			zap.String("path", req.URL.Path),
			zap.Error(err))
		http.Error(w, "preview upstream unavailable", http.StatusBadGateway)
	}

	// ReverseProxy panics with http.ErrAbortHandler when the browser goes
	// away mid-stream. Recover quietly instead of logging a stack trace.
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					r.log.Debug("preview proxy: client disconnected",
						zap.String("team_id", teamID))
					return
				}
				panic(rec)
			}
		}()
		proxy.ServeHTTP(w, req)
	})
}

// GetProxyPort returns the port a team's proxy is listening on.
func (r *Registry) GetProxyPort(teamID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[teamID]
	if !ok {
		return 0, false
	}
	return reg.port, true
}

// Handler returns the team's proxy handler for mounting on the gateway's
// public preview path.
func (r *Registry) Handler(teamID string) (http.Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[teamID]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// StopProxy shuts a team's proxy down. Stopping a team without one is a
// no-op.
func (r *Registry) StopProxy(teamID string) error {
	r.mu.Lock()
	reg, ok := r.regs[teamID]
	delete(r.regs, teamID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.log.Info("preview proxy stopped",
		zap.String("team_id", teamID), zap.Int("proxy_port", reg.port))
	return reg.server.Close()
}

// StopAll shuts every proxy down, for process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	regs := r.regs
	r.regs = make(map[string]*registration)
	r.mu.Unlock()

	for teamID, reg := range regs {
		if err := reg.server.Close(); err != nil {
			r.log.Warn("closing preview proxy",
				zap.String("team_id", teamID), zap.Error(err))
		}
	}
}

// Count returns the number of live proxies.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}
