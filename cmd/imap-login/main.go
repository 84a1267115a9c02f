package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/imap-login/internal/authclient"
	"github.com/infodancer/imap-login/internal/config"
	"github.com/infodancer/imap-login/internal/imaplogin"
	"github.com/infodancer/imap-login/internal/logging"
	"github.com/infodancer/imap-login/internal/masterclient"
	"github.com/infodancer/imap-login/internal/metrics"
	"github.com/infodancer/imap-login/internal/tlsproxy"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var proxy *tlsproxy.Proxy
	if cfg.SSLInitialized {
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			fmt.Fprintln(os.Stderr, "ssl_initialized is true but tls.cert_file/tls.key_file are not set")
			os.Exit(1)
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		proxy = tlsproxy.New(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		})
		logger.Info("TLS configured", "cert", cfg.TLS.CertFile, "min_version", cfg.TLS.MinVersion)
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	registry := imaplogin.NewRegistry(cfg.MaxLoggingUsers, collector, logger)

	authNetwork := cfg.AuthService.Network
	if authNetwork == "" {
		authNetwork = "tcp"
	}
	authClient := authclient.New(authNetwork, cfg.AuthService.Address, cfg.AuthService.RequestTimeout())
	control := authclient.NewControlConn(authClient, func(connected bool) {
		if connected {
			registry.NotifyAuthReconnected()
		} else {
			registry.NotifyAuthDisconnected()
		}
	})
	go control.Run(ctx)

	masterClient := masterclient.New(cfg.Master.SocketPath, cfg.AuthService.RequestTimeout())

	go registry.RunIdleSweep(ctx, cfg.Timeouts.IdleTimeout())

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting imap-login", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	errCh := make(chan error, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		go serveListener(ctx, lc, cfg, proxy, registry, authClient, masterClient, collector, logger, errCh)
	}

	select {
	case err := <-errCh:
		logger.Error("listener failed, shutting down", "error", err)
		cancel()
	case <-ctx.Done():
	}
	registry.DestroyAll()
	logger.Info("imap-login stopped")
}

// serveListener accepts connections on one configured listener until ctx
// is canceled, handing each one to its own goroutine. Grounded on the
// teacher's listener wiring in cmd/pop3d/main.go, generalized to also
// accept implicit-TLS listeners.
func serveListener(
	ctx context.Context,
	lc config.ListenerConfig,
	cfg config.Config,
	proxy *tlsproxy.Proxy,
	registry *imaplogin.Registry,
	authClient *authclient.Client,
	masterClient *masterclient.Client,
	collector metrics.Collector,
	logger *slog.Logger,
	errCh chan<- error,
) {
	ln, err := net.Listen("tcp", lc.Address)
	if err != nil {
		errCh <- fmt.Errorf("listen %s: %w", lc.Address, err)
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("listening", "address", lc.Address, "tls", lc.TLS)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept error", "address", lc.Address, "error", err)
			continue
		}

		go acceptConnection(ctx, conn, lc, cfg, proxy, registry, authClient, masterClient, collector, logger)
	}
}

func acceptConnection(
	ctx context.Context,
	conn net.Conn,
	lc config.ListenerConfig,
	cfg config.Config,
	proxy *tlsproxy.Proxy,
	registry *imaplogin.Registry,
	authClient *authclient.Client,
	masterClient *masterclient.Client,
	collector metrics.Collector,
	logger *slog.Logger,
) {
	rawConn := conn
	implicitTLS := lc.TLS
	if implicitTLS {
		if proxy == nil {
			logger.Error("listener configured for implicit TLS but no TLS proxy is available", "address", lc.Address)
			conn.Close()
			return
		}
		upgraded, err := proxy.Upgrade(ctx, conn, cfg.Timeouts.TLSHandshakeTimeout())
		if err != nil {
			logger.Warn("implicit TLS handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			return
		}
		rawConn = upgraded
		collector.TLSStarted()
	}

	c := imaplogin.NewConnection(rawConn, imaplogin.Options{
		Config:              cfg,
		Registry:            registry,
		AuthClient:          authClient,
		AuthTimeout:         cfg.AuthService.RequestTimeout(),
		MasterClient:        masterClient,
		TLSProxy:            proxy,
		TLSHandshakeTimeout: cfg.Timeouts.TLSHandshakeTimeout(),
		Collector:           collector,
		Logger:              logger,
		TLSActiveAtAccept:   implicitTLS,
	})
	registry.Insert(c)
	c.Serve(ctx)
}
