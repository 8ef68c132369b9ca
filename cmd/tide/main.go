// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	mqtt "github.com/tidemq/tide"
	"github.com/tidemq/tide/config"
	"github.com/tidemq/tide/hooks/auth"
	"github.com/tidemq/tide/listeners"
)

// flags holds the values of the command line flags.
type flags struct {
	config      string
	tcp         string
	ws          string
	healthcheck string
	logLevel    string
	logFormat   string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	f := new(flags)
	cmd := &cobra.Command{
		Use:   "tide",
		Short: "Run the tide MQTT v3.1.1 broker",
		Long: `Run the tide MQTT v3.1.1 broker.

Without --config the broker listens for tcp clients on :1883 and allows all
connections. A config file (JSON or YAML) may declare listeners, capabilities,
an auth ledger and a storage backend. Address flags add listeners to those the
config file declares.

Example:
  tide --tcp :1883 --ws :1882 --healthcheck :8080
  tide --config tide.yml --log-level debug`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, f, out)
		},
	}

	cmd.Flags().StringVarP(&f.config, "config", "c", "", "path to a JSON or YAML config file")
	cmd.Flags().StringVar(&f.tcp, "tcp", ":1883", "network address for the tcp listener")
	cmd.Flags().StringVar(&f.ws, "ws", "", "network address for the websocket listener")
	cmd.Flags().StringVar(&f.healthcheck, "healthcheck", "", "network address for the http healthcheck listener")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "text", "log output format: text or json")

	return cmd
}

// run starts the broker and blocks until the context is cancelled.
func run(ctx context.Context, cmd *cobra.Command, f *flags, out io.Writer) error {
	log, err := newLogger(out, f.logLevel, f.logFormat)
	if err != nil {
		return err
	}

	opts, err := buildOptions(f, cmd.Flags().Changed("tcp"))
	if err != nil {
		return err
	}
	opts.Logger = log

	server := mqtt.New(opts)
	if err := server.Serve(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Warn("caught signal, stopping...")
	return server.Close()
}

// buildOptions returns the server options from the config file, if one is set, and the
// listener address flags. Without a config file all clients are allowed to connect. The
// default tcp listener is only added to a config file's listeners when the flag was set
// explicitly.
func buildOptions(f *flags, tcpSet bool) (*mqtt.Options, error) {
	opts := new(mqtt.Options)
	if f.config != "" {
		data, err := os.ReadFile(f.config)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		o, err := config.FromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", f.config, err)
		}

		if o != nil {
			opts = o
		}
	}

	if f.config == "" {
		opts.Hooks = append(opts.Hooks, mqtt.HookLoadConfig{Hook: new(auth.AllowHook)})
	}

	if f.tcp != "" && (f.config == "" || tcpSet) {
		opts.Listeners = append(opts.Listeners, listeners.Config{
			Type: listeners.TypeTCP, ID: "tcp", Address: f.tcp,
		})
	}

	if f.ws != "" {
		opts.Listeners = append(opts.Listeners, listeners.Config{
			Type: listeners.TypeWS, ID: "ws", Address: f.ws,
		})
	}

	if f.healthcheck != "" {
		opts.Listeners = append(opts.Listeners, listeners.Config{
			Type: listeners.TypeHealthCheck, ID: "healthcheck", Address: f.healthcheck,
		})
	}

	return opts, nil
}

// newLogger returns a structured logger writing to out at the named level.
func newLogger(out io.Writer, level, format string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	ho := &slog.HandlerOptions{Level: l}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(out, ho)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(out, ho)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
