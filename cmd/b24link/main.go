// Command b24link bridges an Asterisk PBX and Bitrix24: it follows live
// calls over AMI, mirrors them into the CRM as external calls with
// popups and activities, and attaches the recordings afterwards.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/b24link/b24link/internal/ami"
	"github.com/b24link/b24link/internal/audio"
	"github.com/b24link/b24link/internal/bitrix"
	"github.com/b24link/b24link/internal/call"
	"github.com/b24link/b24link/internal/config"
	"github.com/b24link/b24link/internal/logging"
	"github.com/b24link/b24link/internal/metrics"
	"github.com/b24link/b24link/internal/status"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logs := logging.NewFactory(cfg)
	slog.SetDefault(logs.Default())
	slog.Info("starting b24link",
		"ami", cfg.AMI.Addr(),
		"queues", len(cfg.QueueNames),
		"extens", cfg.AllowedExtens,
	)

	gateway := bitrix.NewClient(cfg, logs.Named("bitrix24"))
	checkLeadTargets(cfg, gateway)

	amiClient := ami.NewClient(cfg.AMI, logs.Named("ami"))
	converter := audio.NewConverter(cfg.Records, logs.Named("audio"))
	orch := call.NewOrchestrator(cfg, gateway, amiClient, converter, logs.Named("calls"))
	dispatcher := call.NewDispatcher(cfg, orch, logs.Named("events"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return amiClient.Run(ctx)
	})

	g.Go(func() error {
		for {
			select {
			case ev, ok := <-amiClient.Events():
				if !ok {
					return nil
				}
				dispatcher.Dispatch(ev)
			case <-ctx.Done():
				return nil
			}
		}
	})

	if cfg.StatusListen != "" {
		collector := metrics.NewCollector(orch, amiClient, gateway, time.Now())
		srv := &http.Server{
			Addr:         cfg.StatusListen,
			Handler:      status.NewServer(orch, amiClient, collector, logs.Named("status")),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		g.Go(func() error {
			slog.Info("status listener up", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	// Let in-flight calls finish their CRM mirroring before exiting.
	slog.Info("shutting down", "live_calls", orch.LiveCalls())
	orch.Shutdown(shutdownTimeout)

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon stopped", "error", err)
		return err
	}
	slog.Info("b24link stopped")
	return nil
}

// checkLeadTargets warns at startup about configured queue lead targets
// that the CRM's enumeration field does not know. A failed lookup is not
// fatal: the CRM may simply be unreachable yet.
func checkLeadTargets(cfg *config.Config, gateway *bitrix.Client) {
	if cfg.Bitrix.LeadTargetUF == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	values, err := gateway.EnumerationValues(ctx, cfg.Bitrix.LeadTargetUF)
	if err != nil {
		slog.Warn("lead target enumeration unavailable", "field", cfg.Bitrix.LeadTargetUF, "error", err)
		return
	}
	for queueID, targets := range cfg.QueueLeadTargets {
		for _, id := range targets {
			if _, ok := values[id]; !ok {
				slog.Warn("configured lead target unknown to crm", "queue", queueID, "target", id)
			}
		}
	}
}
