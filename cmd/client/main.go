// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/airu-project/airu/client"
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

	args := flag.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: airu-client [flags] list|attach <busid>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := &client.Config{SkipCRCCheck: viper.GetBool("skip-crc-check")}
	session, err := client.Dial(ctx, viper.GetString("broker"), cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer session.Close()

	switch args[0] {
	case "list":
		return runList(ctx, session)
	case "attach":
		if len(args) != 2 {
			return fmt.Errorf("usage: airu-client attach <busid>")
		}
		return runAttach(session, args[1], logger)
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func runList(ctx context.Context, session *client.Session) error {
	devices, err := session.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	for _, d := range devices {
		fmt.Printf("%s  %04x:%04x  %s %s\n", d.Busid(), d.VendorID, d.ProductID, d.Manufacturer, d.Product)
	}
	return nil
}

func runAttach(session *client.Session, busid string, logger log.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vd, err := session.Attach(ctx, busid)
	if err != nil {
		return fmt.Errorf("failed to attach %s: %w", busid, err)
	}
	_ = logger.Log("msg", "attached device", "busid", busid, "device_id", vd.DeviceID())

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-term:
			detachCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return session.Detach(detachCtx, vd.DeviceID())
		default:
			pollCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			c, err := vd.NextCompletion(pollCtx)
			cancel()
			if err != nil {
				continue
			}
			_ = logger.Log("msg", "urb completed", "urb_id", c.Header.UrbID, "status", c.Header.Status)
		}
	}
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
