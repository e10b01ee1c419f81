package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"dhcpd/pkg/bus"
	"dhcpd/pkg/telemetry"
	"dhcpd/services/dhcpd/internal/adminhttp"
	"dhcpd/services/dhcpd/internal/config"
	"dhcpd/services/dhcpd/internal/dhcp"
	"dhcpd/services/dhcpd/internal/lease"
	"dhcpd/services/dhcpd/internal/params"
)

const eventRetention = 7 * 24 * time.Hour

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve DHCP on the configured interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, err := telemetry.Init(ctx, telemetry.Options{Service: serviceName, Level: cfg.LogLevel})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()
	logger := tel.Logger

	sp, err := params.New(cfg.DHCP.ParamsOptions())
	if err != nil {
		return fmt.Errorf("serving params: %w", err)
	}
	iface, err := cfg.DHCP.ResolveInterface()
	if err != nil {
		return err
	}

	clock := lease.SystemClock{}
	repo := lease.NewRepository(sp, clock)

	metrics, err := dhcp.NewMetrics(prometheus.DefaultRegisterer, repo)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	opts := []dhcp.ProcessorOption{dhcp.WithLogger(logger), dhcp.WithMetrics(metrics)}

	if cfg.Events.NATSURL != "" {
		b, err := bus.New(cfg.Events.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		if err := b.EnsureStream(bus.StreamConfig{
			Name:     cfg.Events.Stream,
			Subjects: []string{dhcp.SubjectLeases},
			MaxAge:   eventRetention,
		}); err != nil {
			return fmt.Errorf("lease event stream: %w", err)
		}
		pub := dhcp.NewAsyncPublisher(b, logger, 0)
		go pub.Run(ctx)
		opts = append(opts, dhcp.WithPublisher(pub))
		logger.Printf("INFO publishing lease events to %s stream %s", cfg.Events.NATSURL, cfg.Events.Stream)
	}

	processor, err := dhcp.NewProcessor(sp, repo, clock, opts...)
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}
	server, err := dhcp.NewServer(dhcp.ServerConfig{
		Interface:     iface,
		SweepInterval: cfg.DHCP.SweepInterval,
	}, processor, repo, logger)
	if err != nil {
		return fmt.Errorf("create dhcp server: %w", err)
	}

	first, last := sp.Pool()
	logger.Printf("INFO serving %s on %s, pool %s-%s, %d reserved, lease %s",
		sp.Prefix(), iface, first, last, sp.ReservedCount(), sp.LeaseTime())

	var dhcpReady atomic.Bool
	errCh := make(chan error, 2)

	go func() {
		if err := server.Run(ctx, &dhcpReady); err != nil {
			errCh <- fmt.Errorf("dhcp: %w", err)
		}
	}()

	if cfg.HTTP.Enabled {
		handler, err := adminhttp.Router(adminhttp.RouterOptions{
			Params:         sp,
			Leases:         repo,
			Ready:          &dhcpReady,
			Middleware:     tel.Middleware,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		})
		if err != nil {
			return fmt.Errorf("admin router: %w", err)
		}
		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
			}
		}()

		logger.Printf("INFO admin http listening on %s", httpServer.Addr)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Printf("INFO shutting down with %d active leases", repo.ActiveCount())
		return nil
	}
}
