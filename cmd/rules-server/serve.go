package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/codequality/rule-registry/pkg/audit"
	"github.com/codequality/rule-registry/pkg/rules"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the index workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe(opts)
			return nil
		},
	}

	cmd.Flags().String("addr", "", "Address to listen on")
	cmd.Flags().String("tenancy-mode", "", "Tenancy mode: single or multi")
	v := opts.loader.Viper()
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("server.tenancyMode", cmd.Flags().Lookup("tenancy-mode"))

	return cmd
}

func runServe(opts *rootOptions) {
	cfg, logger, err := opts.load()
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		glog.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.pool.Run(ctx)
	}()

	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		audit.NewRetentionWorker(rules.NewAuditStore(a.db), cfg.Audit, logger).Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()
	logger.Info("rule registry ready", "listen", cfg.Server.Addr, "tenancyMode", cfg.Server.TenancyMode)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	for name, done := range map[string]chan struct{}{"index workers": poolDone, "audit retention": auditDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("background worker did not stop in time", "worker", name)
		}
	}
	logger.Info("rule registry stopped")
}
