// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidemq/tide/system"
)

// HTTPStats is a listener for presenting the broker stats on a JSON http endpoint.
type HTTPStats struct {
	httpServer
	sysInfo *system.Info // pointers to the server data
}

// NewHTTPStats initialises and returns a new HTTP listener, listening on an address.
func NewHTTPStats(config Config, sysInfo *system.Info) *HTTPStats {
	return &HTTPStats{
		httpServer: httpServer{
			id:      config.ID,
			address: config.Address,
			config:  config,
		},
		sysInfo: sysInfo,
	}
}

// Init binds the listener.
func (l *HTTPStats) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.jsonHandler)
	return l.bind(log, mux, 5*time.Second)
}

// jsonHandler is an HTTP handler which outputs the broker stats as JSON.
func (l *HTTPStats) jsonHandler(w http.ResponseWriter, req *http.Request) {
	out, err := json.MarshalIndent(l.sysInfo.Clone(), "", "\t")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
