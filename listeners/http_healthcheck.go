// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Derek Duncan

package listeners

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// httpServer is the bind, serve and shutdown behaviour shared by the listeners
// which are served over http.
type httpServer struct {
	mu      sync.Mutex
	id      string       // the internal id of the listener
	address string       // the network address to bind to
	config  Config       // configuration values for the listener
	srv     *http.Server // the http server
	ln      net.Listener // the bound network listener
	log     *slog.Logger // server logger
	end     atomic.Bool  // ensure the close methods are only called once
}

// ID returns the id of the listener.
func (l *httpServer) ID() string {
	return l.id
}

// Address returns the bound address once initialised, otherwise the configured address.
func (l *httpServer) Address() string {
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.address
}

// Protocol returns https if the listener serves tls.
func (l *httpServer) Protocol() string {
	if l.config.TLSConfig != nil {
		return "https"
	}
	return "http"
}

// bind binds the listener address and prepares the http server for handler.
func (l *httpServer) bind(log *slog.Logger, handler http.Handler, timeout time.Duration) error {
	l.log = log
	l.srv = &http.Server{
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Addr:         l.address,
		Handler:      handler,
		TLSConfig:    l.config.TLSConfig,
	}

	var err error
	l.ln, err = net.Listen("tcp", l.address)
	return err
}

// Serve serves http requests until the listener is closed.
func (l *httpServer) Serve(establish EstablishFn) {
	var err error
	if l.srv.TLSConfig != nil {
		err = l.srv.ServeTLS(l.ln, "", "")
	} else {
		err = l.srv.Serve(l.ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.log.Error("failed to serve", "error", err, "listener", l.id)
	}
}

// Close gracefully shuts down the http server.
func (l *httpServer) Close(closeClients CloseFn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.end.CompareAndSwap(false, true) && l.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.srv.Shutdown(ctx)
	}

	closeClients(l.id)
}

// HTTPHealthCheck is a listener for providing an HTTP healthcheck endpoint at
// /healthcheck, answering GET requests with 200 OK while the broker is serving.
type HTTPHealthCheck struct {
	httpServer
}

// NewHTTPHealthCheck initialises and returns a new HTTP listener, listening on an address.
func NewHTTPHealthCheck(config Config) *HTTPHealthCheck {
	return &HTTPHealthCheck{
		httpServer: httpServer{
			id:      config.ID,
			address: config.Address,
			config:  config,
		},
	}
}

// Init binds the listener.
func (l *HTTPHealthCheck) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		if l.end.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte("ok"))
	})

	return l.bind(log, mux, 5*time.Second)
}
