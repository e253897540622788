// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/airu-project/airu/backend"
	"github.com/airu-project/airu/server"
)

// Main is the principal function for the binary, wrapped only by main
// for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch viper.GetString("log-level") {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", viper.GetString("log-level"), availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	allow, err := loadVidPidFilter("allow-vidpid", "filters.allow")
	if err != nil {
		return fmt.Errorf("failed to load allow-vidpid filter: %w", err)
	}
	deny, err := loadVidPidFilter("deny-vidpid", "filters.deny")
	if err != nil {
		return fmt.Errorf("failed to load deny-vidpid filter: %w", err)
	}

	rescanInterval, err := time.ParseDuration(viper.GetString("rescan-interval"))
	if err != nil {
		return fmt.Errorf("failed to parse rescan-interval: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(reg)

	usbBackend := backend.NewGousbBackend()
	defer usbBackend.Close()

	filter := &server.InventoryFilter{Allow: allow, Deny: deny}
	inventory := server.NewInventory(usbBackend, filter, log.With(logger, "component", "inventory"))

	broker, err := server.NewBroker(server.Config{
		ListenAddr:     viper.GetString("listen"),
		RescanInterval: rescanInterval,
		SkipCRCCheck:   viper.GetBool("skip-crc-check"),
	}, inventory, metrics, log.With(logger, "component", "broker"))
	if err != nil {
		return fmt.Errorf("failed to build broker: %w", err)
	}

	ctx, cancelBroker := context.WithCancel(context.Background())
	defer cancelBroker()

	var g run.Group
	{
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpListen := viper.GetString("http-listen")
		server := &http.Server{Addr: httpListen, Handler: mux}
		g.Add(func() error {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("health/metrics server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = server.Close()
		})
	}
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				_ = logger.Log("msg", "caught interrupt; shutting down broker")
				return nil
			case <-cancel:
				return nil
			}
		}, func(error) {
			close(cancel)
		})
	}
	g.Add(func() error {
		return broker.Serve(ctx)
	}, func(error) {
		cancelBroker()
	})

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
