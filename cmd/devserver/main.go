package main

import (
	"chatsync/internal/config"
	"chatsync/internal/devserver"
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("devserver", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.DevServerAddr, "addr", cfg.DevServerAddr, "listen address")
	maxRecords := flagSet.Int("history", 100, "messages kept per room")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	seed := devserver.DefaultSeed()
	seed.MaxRecords = *maxRecords
	hub := devserver.NewHub(seed)
	server := devserver.NewServer(hub, cfg.DevServerAddr)

	for _, u := range seed.Users {
		log.Printf("user %s: token %s", u.Username, u.Token)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start()
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down dev server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Hijacked websocket connections are not closed by Shutdown.
		hub.DropConnections()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Dev server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
