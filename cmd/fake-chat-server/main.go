// ABOUTME: Standalone in-memory Stazy backend for manual and E2E testing of the chat client.
// ABOUTME: Usage: fake-chat-server [-addr localhost:8080] [-users a@x,b@x] [-echo echo@stazy.local]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/stazy/stazy-chat/internal/api"
	"github.com/stazy/stazy-chat/internal/auth"
	"github.com/stazy/stazy-chat/internal/chattest"
	"github.com/stazy/stazy-chat/internal/conversation"
	"github.com/stazy/stazy-chat/internal/transport"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "HTTP listen address")
	secret := flag.String("secret", "stazy-dev-secret", "HMAC secret for signing tokens")
	users := flag.String("users", "me@stazy.local,bob@stazy.local", "Comma-separated identities to print tokens for")
	echo := flag.String("echo", "echo@stazy.local", "Identity of a bot that echoes messages back (empty to disable)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *secret, splitList(*users), *echo); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, secret string, users []string, echo string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	backend := chattest.New([]byte(secret), logger)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	baseURL := "http://" + ln.Addr().String()

	srv := &http.Server{
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	printTokens(backend, baseURL, users, echo)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if echo != "" {
		backend.AddProfile(chattest.Profile{Email: echo, FirstName: "Echo", LastName: "Bot"})
		g.Go(func() error {
			return runEcho(gctx, baseURL, backend.Token(echo), echo, logger)
		})
	}

	return g.Wait()
}

func printTokens(backend *chattest.Server, baseURL string, users []string, echo string) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Println("fake-chat-server")
	green.Print("  ▶ ")
	fmt.Printf("REST:      %s\n", baseURL)
	green.Print("  ▶ ")
	fmt.Printf("Realtime:  %s\n", chattest.WebSocketURL(baseURL))
	if echo != "" {
		green.Print("  ▶ ")
		fmt.Printf("Echo bot:  %s\n", echo)
	}
	fmt.Println()
	for _, u := range users {
		fmt.Printf("%s\n  %s\n", color.YellowString(u), backend.Token(u))
	}
}

// runEcho signs in as identity and replies to every incoming message with
// the same text.
func runEcho(ctx context.Context, baseURL, token, identity string, logger *slog.Logger) error {
	tokens := auth.NewStaticProvider(token)
	tr := transport.New(
		transport.NewStompDialer(chattest.WebSocketURL(baseURL), transport.StompOptions{Logger: logger}),
		tokens,
		transport.Options{ReconnectDelay: time.Second, Logger: logger},
	)
	defer tr.Disconnect()

	dir, err := conversation.NewDirectory(identity, tr, api.New(baseURL, tokens, api.Options{Logger: logger}), conversation.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("echo bot: %w", err)
	}
	defer dir.Close()

	updates := dir.Updates(ctx)

	// The inbox is only subscribed while a thread is open.
	if _, err := dir.OpenThread(ctx, "nobody@stazy.local"); err != nil {
		return fmt.Errorf("echo bot: %w", err)
	}

	for u := range updates {
		var peer, text string
		switch {
		case u.Kind == conversation.UpdateIncoming:
			peer, text = u.Peer, u.Message.Content
		case u.Kind == conversation.UpdateAppended && u.Message.Sender != identity:
			peer, text = u.Peer, u.Message.Content
		default:
			continue
		}

		s, err := dir.OpenThread(ctx, peer)
		if err != nil {
			logger.Warn("echo bot cannot open thread", "peer", peer, "error", err)
			continue
		}
		if err := s.Send(ctx, "echo: "+text); err != nil {
			logger.Warn("echo failed", "peer", peer, "error", err)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
