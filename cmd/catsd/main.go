// Command catsd runs a CATS server: it binds the protocol listener, an
// admin HTTP surface, and the catsdemo reference handlers.
//
// Grounded on cmd/ghostctl/main.go's minimal Service.Run() wrapper,
// expanded with a flag-driven config path and the admin listener cmd/
// configgen/cmd/ghostctl never needed standalone (Mirage's admin surface
// lived inside the same process instead).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cifrazia/cats-go/internal/admin"
	"github.com/Cifrazia/cats-go/internal/cats"
	"github.com/Cifrazia/cats-go/internal/cats/broadcast"
	"github.com/Cifrazia/cats-go/internal/cats/handshake"
	"github.com/Cifrazia/cats-go/internal/cats/scheme"
	"github.com/Cifrazia/cats-go/internal/catsdemo"
	"github.com/Cifrazia/cats-go/internal/config"
	"github.com/Cifrazia/cats-go/internal/logging"
	"github.com/Cifrazia/cats-go/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a server TOML config (defaults baked in if omitted)")
	flag.Parse()

	logger := logging.ConfigureRuntime()

	cfg := config.DefaultServerConfig()
	if *configPath != "" {
		loaded, err := config.LoadServerConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "catsd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	format, err := scheme.ParseFormat(cfg.DefaultSchemeFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catsd: %v\n", err)
		os.Exit(1)
	}

	var hs *handshake.SHA256Time
	if cfg.HandshakeSecret != "" {
		hs, err = handshake.NewSHA256Time([]byte(cfg.HandshakeSecret), cfg.HandshakeWindow)
		if err != nil {
			fmt.Fprintf(os.Stderr, "catsd: %v\n", err)
			os.Exit(1)
		}
	}

	srv := cats.NewServer(cats.ServerConfig{
		ListenAddr:          cfg.ListenAddr,
		ProtocolVersion:     cfg.ProtocolVersion,
		IdleTimeout:         cfg.IdleTimeout,
		InputTimeout:        cfg.InputTimeout,
		HandshakeTimeout:    cfg.HandshakeTimeout,
		InputLimit:          cfg.InputLimit,
		PingInterval:        cfg.PingInterval,
		DefaultSchemeFormat: format,
		Handshake:           hs,
		Broadcasts:          broadcast.New(),
		Logger:              logger,
		OnMetrics:           observability.NewConnMetrics(),
	})
	catsdemo.Register(srv.Handlers())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adminRouter := admin.NewRouter(admin.Config{Logger: logger, Started: time.Now()}, srv)
	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: adminRouter}
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("catsd: admin server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = adminServer.Close()
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Str("admin_addr", cfg.AdminAddr).Msg("catsd: listening")
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "catsd: %v\n", err)
		os.Exit(1)
	}
}
