package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/habproxy/internal/api"
	"github.com/udisondev/habproxy/internal/capture"
	"github.com/udisondev/habproxy/internal/config"
	"github.com/udisondev/habproxy/internal/crypto"
	"github.com/udisondev/habproxy/internal/filter"
	"github.com/udisondev/habproxy/internal/handshake"
	"github.com/udisondev/habproxy/internal/packetlog"
	"github.com/udisondev/habproxy/internal/redirect"
	"github.com/udisondev/habproxy/internal/relay"
	"github.com/udisondev/habproxy/internal/triggers"
)

const ConfigPath = "config/interceptor.yaml"

// generatedKeyBits is the size of the proxy key made when none is configured.
const generatedKeyBits = 1024

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("HABPROXY_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadInterceptor(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
	slog.Info("habproxy interceptor starting",
		"target", cfg.Target.Host,
		"port", cfg.Target.Port,
		"handshake", cfg.HandshakeEnabled(),
		"capture", cfg.Capture.Enabled)

	// Handshake keys
	var serverKey, proxyKey *crypto.RSAKey
	if cfg.HandshakeEnabled() {
		if serverKey, err = cfg.ServerKey(); err != nil {
			return err
		}
		if proxyKey, err = loadOrGenerateProxyKey(cfg); err != nil {
			return err
		}
	}

	chain := filter.NewChain()
	correlator := triggers.NewCorrelator()

	g, gctx := errgroup.WithContext(ctx)

	// Capture store
	var writer *capture.Writer
	if cfg.Capture.Enabled {
		dsn := cfg.Capture.Database.DSN()
		if err := capture.Migrate(ctx, dsn); err != nil {
			return fmt.Errorf("migrating capture store: %w", err)
		}
		store, err := capture.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("opening capture store: %w", err)
		}
		defer store.Close()
		slog.Info("capture store connected")

		headers, err := store.LoadHeaders(ctx)
		if err != nil {
			return fmt.Errorf("loading recorded headers: %w", err)
		}
		for kind, header := range headers {
			correlator.Lock(kind.Direction(), header, kind)
		}
		slog.Info("recorded headers restored", "count", len(headers))

		writer = capture.NewWriter(store, capture.WriterConfig{
			Buffer:        cfg.Capture.Buffer,
			BatchSize:     cfg.Capture.BatchSize,
			FlushInterval: cfg.Capture.FlushInterval,
		})
		g.Go(func() error {
			return writer.Run(gctx)
		})
	}

	opts := []relay.Option{
		relay.WithFilters(chain),
		relay.WithCorrelator(correlator),
	}
	if cfg.HostsFile != "" {
		opts = append(opts, relay.WithRedirector(redirect.NewHostsFile(cfg.HostsFile, cfg.Listen.Address)))
	}
	conn := relay.NewConnection(relay.Config{
		Host:          cfg.Target.Host,
		Port:          cfg.Target.Port,
		ListenAddress: cfg.Listen.Address,
		ListenPort:    cfg.Listen.Port,
		DialTimeout:   cfg.Target.DialTimeout,
		PolicyTimeout: cfg.Listen.PolicyTimeout,
	}, opts...)

	var plog *packetlog.Logger
	if cfg.PacketLog.Enabled {
		plog = packetlog.New(os.Stdout, packetlog.Config{
			Color:  cfg.PacketLog.Color,
			Ignore: cfg.PacketLog.Ignore,
		})
	}

	// Сессии идут по одной, connected/disconnected вызываются из одной горутины.
	var detachLog func()

	// Порядок важен: handshake может заблокировать кадр, лог и захват видят итог.
	conn.OnConnected(func(r *relay.Relay) {
		slog.Info("session started", "client", r.LocalAddr(), "server", r.RemoteAddr())
		if cfg.HandshakeEnabled() {
			ic, err := handshake.New(handshake.Config{
				Headers: handshake.Headers{
					Init:           cfg.Handshake.InitHeader,
					ClientComplete: cfg.Handshake.ClientCompleteHeader,
					ServerComplete: cfg.Handshake.ServerCompleteHeader,
				},
				EncryptIncoming: cfg.Handshake.EncryptIncoming,
				KeyExchange:     cfg.KeyExchangeSizes(),
			}, serverKey, proxyKey)
			if err != nil {
				r.Abort(fmt.Errorf("creating handshake interceptor: %w", err))
				return
			}
			ic.Attach(r)
		}
		if plog != nil {
			detachLog = plog.Attach(r)
		}
		if writer != nil {
			session, _ := writer.Attach(r)
			slog.Info("capturing session", "session", session)
		}
	})
	conn.OnDisconnected(func(d relay.Disconnect) {
		if writer != nil {
			writer.Detach(d.Relay)
		}
		if detachLog != nil {
			detachLog()
			detachLog = nil
		}
		if d.Err != nil {
			slog.Warn("session ended", "client", d.Relay.LocalAddr(), "err", d.Err)
			return
		}
		slog.Info("session ended", "client", d.Relay.LocalAddr())
	})

	g.Go(func() error {
		slog.Info("starting relay", "host", cfg.Target.Host)
		if err := conn.Serve(gctx); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		return nil
	})

	if cfg.API.Enabled {
		var apiOpts []api.Option
		if writer != nil {
			apiOpts = append(apiOpts, api.WithCapture(writer))
		}
		srv := api.NewServer(conn, api.Config{Address: cfg.API.Address}, apiOpts...)
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil {
				return fmt.Errorf("control API: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("interceptor error: %w", err)
	}
	return nil
}

func loadOrGenerateProxyKey(cfg config.Interceptor) (*crypto.RSAKey, error) {
	key, err := cfg.ProxyKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}

	key, err = crypto.GenerateRSAKey(generatedKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating proxy key: %w", err)
	}
	// Клиент должен быть пропатчен этим ключом, иначе проверка подписи у него не пройдёт.
	slog.Warn("no proxy key configured, generated one",
		"exponent", key.Exponent(),
		"modulus", key.Modulus(),
		"private_exponent", key.PrivateExponent())
	return key, nil
}
