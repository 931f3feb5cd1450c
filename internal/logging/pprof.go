package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

const defaultPprofAddr = "localhost:6060"

// pprofServer serves the runtime profiles on a private mux so the handlers
// never leak onto the web surface through http.DefaultServeMux.
type pprofServer struct {
	srv  *http.Server
	addr string
	done chan struct{}
}

// startPprof binds addr before returning so a busy port or a non-loopback
// host is reported to the caller instead of a background goroutine. logger
// is fixed at start because Shutdown stops the server under globalMu.
func startPprof(addr string, logger *slog.Logger) (*pprofServer, error) {
	if addr == "" {
		addr = defaultPprofAddr
	}
	if err := requireLoopback(addr); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	p := &pprofServer{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr: ln.Addr().String(),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		if err := p.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof_server_error",
				slog.String("component", CompControl),
				slog.String("error", err.Error()))
		}
	}()
	return p, nil
}

// Addr is the bound address, with the real port when addr asked for :0.
func (p *pprofServer) Addr() string { return p.addr }

// Close stops the listener and waits for Serve to return.
func (p *pprofServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.srv.Shutdown(ctx); err != nil {
		_ = p.srv.Close()
	}
	<-p.done
}

func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("pprof addr %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("pprof addr %q is not a loopback address", addr)
}
