package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/browserforce/relay/internal/adminhttp"
	"github.com/browserforce/relay/internal/broker"
	"github.com/browserforce/relay/internal/clientsession"
	"github.com/browserforce/relay/internal/config"
	"github.com/browserforce/relay/internal/extlink"
	"github.com/browserforce/relay/internal/logring"
	"github.com/browserforce/relay/internal/plugins"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [port]",
		Short: "Start the relay, binding to 127.0.0.1",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if len(args) == 1 {
				port, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid port %q: %w", args[0], err)
				}
				cfg.Port = port
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	token, err := cfg.LoadOrCreateToken()
	if err != nil {
		return fmt.Errorf("load auth token: %w", err)
	}

	ring := logring.New(cfg.LogRingCap)
	b := broker.New(
		time.Duration(cfg.KeepaliveSecs)*time.Second,
		cfg.MissedPongsMax,
		time.Duration(cfg.CommandTimeout)*time.Second,
		ring,
	)

	pluginMgr, err := plugins.New(filepath.Join(cfg.ConfigDir, "plugins"))
	if err != nil {
		return fmt.Errorf("init plugin manager: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/cdp", clientsession.NewHandler(b, token))
	mux.Handle("/extension", extlink.NewHandler(b.ExtensionLink(), token))
	mux.Handle("/", adminhttp.New(b, ring, pluginMgr, token).Handler())

	server := &http.Server{
		Addr:    cfg.BindAddress(),
		Handler: mux,
	}

	if err := cfg.PublishCDPURL(cfg.CDPURL(token)); err != nil {
		return fmt.Errorf("publish cdp url: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("relay: listening on %s", cfg.BindAddress())
		serveErr <- server.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		_ = cfg.RemoveCDPURL()
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-sig:
		log.Printf("relay: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		b.Shutdown()
		_ = cfg.RemoveCDPURL()
		return nil
	}
}
