// ABOUTME: Line-oriented chat client for the Stazy backend over STOMP/WebSocket.
// ABOUTME: Opens threads, streams live messages, and sends from the prompt with JWT auth.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/stazy/stazy-chat/internal/api"
	"github.com/stazy/stazy-chat/internal/auth"
	"github.com/stazy/stazy-chat/internal/config"
	"github.com/stazy/stazy-chat/internal/conversation"
	"github.com/stazy/stazy-chat/internal/metrics"
	"github.com/stazy/stazy-chat/internal/transport"
)

const defaultServer = "http://localhost:8080"

func main() {
	configPath := flag.String("config", "", "Config file (default: $STAZY_CHAT_CONFIG or ~/.config/stazy/chat.toml)")
	server := flag.String("server", "", "Backend base URL, overrides the config file")
	token := flag.String("token", "", "Bearer token, overrides the config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *server, *token); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath, server, token string) error {
	cfg, err := loadConfig(configPath, server)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	tokens := tokenProvider(cfg, token)
	raw, ok := tokens.Credential(ctx)
	if !ok {
		return errors.New("no token configured (use -token, auth.token, auth.token_file or $" + cfg.Auth.TokenEnv + ")")
	}
	me, err := auth.IdentityFromToken(raw)
	if err != nil {
		return fmt.Errorf("reading identity from token: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	client := api.New(cfg.Server.BaseURL, tokens, api.Options{
		Timeout:           cfg.API.RequestTimeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		BreakerFailures:   cfg.API.BreakerFailures,
		Logger:            logger,
	})

	dialer := transport.NewStompDialer(cfg.WebSocketEndpoint(), transport.StompOptions{Logger: logger})
	tr := transport.New(dialer, tokens, transport.Options{
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		ReconnectDelay: cfg.Transport.ReconnectDelay,
		IdleGrace:      cfg.Transport.IdleGrace,
		Logger:         logger,
		Metrics:        m,
	})
	defer tr.Disconnect()

	dir, err := conversation.NewDirectory(me, tr, client, conversation.Options{
		EchoTTL: cfg.Transport.EchoTTL,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	defer dir.Close()

	printBanner(cfg, me)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	if m != nil {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics, m, logger)
		})
	}

	r := newREPL(dir, tr, os.Stdin, os.Stdout)
	updates := dir.Updates(gctx)
	g.Go(func() error {
		r.printUpdates(gctx, updates)
		return nil
	})
	g.Go(func() error {
		defer stop()
		return r.run(gctx)
	})

	return g.Wait()
}

// loadConfig reads the config file, falling back to defaults when the default
// path does not exist. A -server flag overrides the file.
func loadConfig(path, server string) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		if server == "" {
			server = defaultServer
		}
		return config.Default(server)
	}

	if server != "" {
		cfg.Server.BaseURL = server
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
	}
	return cfg, nil
}

// tokenProvider orders credential sources: flag, config value, token file,
// then the environment.
func tokenProvider(cfg *config.Config, flagToken string) auth.TokenProvider {
	var providers []auth.TokenProvider
	if flagToken != "" {
		providers = append(providers, auth.NewStaticProvider(flagToken))
	}
	if cfg.Auth.Token != "" {
		providers = append(providers, auth.NewStaticProvider(cfg.Auth.Token))
	}
	if cfg.Auth.TokenFile != "" {
		providers = append(providers, auth.FileProvider(cfg.Auth.TokenFile))
	}
	if cfg.Auth.TokenEnv != "" {
		providers = append(providers, auth.EnvProvider(cfg.Auth.TokenEnv))
	}
	return auth.Chain(providers...)
}

func printBanner(cfg *config.Config, me string) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Println("stazy-chat")
	green.Print("  ▶ ")
	fmt.Printf("Server:    %s\n", cfg.Server.BaseURL)
	green.Print("  ▶ ")
	fmt.Printf("Realtime:  %s\n", cfg.WebSocketEndpoint())
	green.Print("  ▶ ")
	fmt.Printf("Signed in: %s\n", me)
	if cfg.Metrics.Enabled {
		green.Print("  ▶ ")
		fmt.Printf("Metrics:   http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	fmt.Println("Type /threads to list conversations, /open <email> to start. /help for commands.")
	fmt.Println()
}

// serveMetrics exposes the Prometheus registry until ctx is cancelled.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, m *metrics.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", cfg.Addr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
