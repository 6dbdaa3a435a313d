package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-ctucan/internal/cnl"
	"github.com/kstaniek/go-ctucan/internal/ctucan"
	"github.com/kstaniek/go-ctucan/internal/metrics"
	"github.com/kstaniek/go-ctucan/internal/profile"
	"github.com/kstaniek/go-ctucan/internal/server"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("ctucan-bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l); err != nil {
		l.Error("bridge_error", "error", err)
		os.Exit(1)
	}
}

func loadProfile(path string) (profile.Profile, error) {
	if path == "" {
		return profile.Default(), nil
	}
	return profile.Load(path)
}

// run brings the controller up and serves until ctx is done or one of the
// workers fails.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	prof, err := loadProfile(cfg.profilePath)
	if err != nil {
		return err
	}
	h := initHub(cfg, l)
	b, err := newBridge(ctx, cfg, prof, h, l)
	if err != nil {
		return err
	}
	defer b.close()

	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&cnl.Codec{}),
		server.WithSend(b.tx.SendFrame),
		server.WithFrameFilter(acceptFrame),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
		server.WithListenAddr(cfg.listenAddr),
	)

	var m *mirror
	if cfg.mirrorIf != "" {
		if m, err = openMirror(ctx, cfg.mirrorIf, h, b.tx.SendFrame, l); err != nil {
			return err
		}
		defer m.close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.serve(gctx) })
	g.Go(func() error {
		if err := srv.Serve(gctx); err != nil {
			return fmt.Errorf("tcp server: %w", err)
		}
		return nil
	})
	if m != nil {
		g.Go(func() error { return m.run(gctx) })
	}
	if cfg.mdnsEnable {
		g.Go(func() error {
			select {
			case <-srv.Ready():
			case <-gctx.Done():
				return nil
			}
			port := listenPort(srv.Addr())
			l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
			if err := runMDNS(gctx, cfg, port, b.version); err != nil {
				// advertising is best effort
				l.Warn("mdns_start_failed", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		runMetricsLogger(gctx, cfg.logMetricsEvery, l, b.tx.Pending, srv.Stats)
		return nil
	})

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return gctx.Err() == nil && b.ctl.Fault() != ctucan.BusOff
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		l.Info("shutdown_signal")
	}
	err = g.Wait()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		l.Warn("tcp_shutdown_error", "error", serr)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
