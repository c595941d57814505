//go:build linux
// +build linux

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"palisade/internal/brand"
	"palisade/internal/clock"
	"palisade/internal/config"
	"palisade/internal/controller"
	"palisade/internal/dnscache"
	"palisade/internal/events"
	"palisade/internal/firewall"
	"palisade/internal/logging"
	"palisade/internal/logwatch"
	"palisade/internal/metrics"
)

// RunStart runs the agent: it restores the persisted configuration, opens
// the kernel and controller channels and supervises all long-running loops
// until SIGINT/SIGTERM.
func RunStart(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Default().SetLevel(logging.ParseLevel(cfg.LogLevel))
	log := logging.Default().WithComponent("agent")
	log.Info("starting", "version", brand.Version)

	clk := &clock.RealClock{}
	resolver, err := dnscache.NewSystemResolver(cfg.ResolverConfig, clk)
	if err != nil {
		return fmt.Errorf("system resolver: %w", err)
	}
	cache := dnscache.New(resolver, dnscache.Options{
		Clock:              clk,
		MinRefreshInterval: cfg.DNS.MinRefreshIntervalDuration(),
		EvictAfterCycles:   cfg.DNS.EvictAfterCycles,
	})

	conn, err := firewall.Dial()
	if err != nil {
		return fmt.Errorf("kernel transport: %w", err)
	}
	defer conn.Close()

	svc := firewall.NewService(firewall.NewCompiler(conn), cache.CreateWatcher())

	store := controller.NewStateStore(cfg.StateFile)
	if saved, err := store.Load(); err != nil {
		log.Warn("cannot restore persisted state", "error", err)
	} else if saved != nil {
		log.Info("restored persisted configuration", "version", saved.Version)
		svc.UpdateConfig(saved)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cache.Run(ctx) })
	g.Go(func() error { return svc.Run(ctx) })

	var client *controller.Client
	if cfg.Controller != nil {
		client = controller.New(cfg.Controller,
			func() string {
				if cur := svc.Current(); cur != nil {
					return cur.Version
				}
				return ""
			},
			func(fw *firewall.FirewallConfig) {
				if err := store.Save(fw); err != nil {
					log.Warn("cannot persist configuration", "error", err)
				}
				svc.UpdateConfig(fw)
			})
		g.Go(func() error { return client.Run(ctx) })
	}

	if cfg.DHCP != nil && cfg.DHCP.Enabled {
		listener := events.NewDHCPListener(cfg.DHCP.Interface, func(ev events.DHCPEvent) {
			if client != nil {
				client.Publish("dhcp_event", ev)
			}
		})
		if err := listener.Start(ctx); err != nil {
			log.Warn("dhcp listener disabled", "error", err)
		} else {
			defer listener.Stop()
		}
	}

	if cfg.LogWatch != nil && cfg.LogWatch.Enabled {
		tail := logwatch.New(cfg.LogWatch.Path,
			func() []string {
				cur := svc.Current()
				if cur == nil {
					return nil
				}
				ips := make([]string, 0, len(cur.Devices))
				for _, dev := range cur.Devices {
					ips = append(ips, dev.IP.String())
				}
				return ips
			},
			func(lines []string) {
				if client != nil {
					client.Publish("device_logs", lines)
				}
			})
		g.Go(func() error { return tail.Run(ctx) })
	}

	if cfg.Metrics != nil && cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metrics.Handler()}
		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.Metrics.Listen)
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

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shut down")
	return nil
}
