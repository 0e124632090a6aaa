package main

import (
	"bufio"
	"chatsync/internal/config"
	"chatsync/internal/history"
	"chatsync/internal/membership"
	"chatsync/internal/projector"
	"chatsync/internal/session"
	"chatsync/internal/storage"
	"chatsync/internal/ws"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const quitCommand = "/quit"

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ChatID, "chat", cfg.ChatID, "chat to open")
	flagSet.StringVar(&cfg.UserID, "user", cfg.UserID, "your user id, used to mark your own messages")
	flagSet.StringVar(&cfg.Token, "token", cfg.Token, "session token")
	flagSet.StringVar(&cfg.CacheDB, "cache", cfg.CacheDB, "bbolt file for the offline message cache")
	listChats := flagSet.Bool("list", false, "list your chats and exit")
	asHTML := flagSet.Bool("html", false, "print messages as rendered HTML")
	verbose := flagSet.BoolP("verbose", "v", false, "log debug output to stderr")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	api := history.New(cfg.APIURL, cfg.Token, &http.Client{Timeout: 15 * time.Second})

	var cache *storage.BboltStorage
	if cfg.CacheDB != "" {
		cache, err = storage.NewBboltStorage(cfg.CacheDB, cfg.CacheSize)
		if err != nil {
			return err
		}
		defer func() { _ = cache.Close() }()
	}

	if *listChats {
		return printChats(ctx, stdout, api, cache)
	}
	if cfg.ChatID == "" {
		return fmt.Errorf("no chat selected: pass --chat or set CHATSYNC_CHAT_ID")
	}

	header := http.Header{}
	header.Set("token", cfg.Token)
	socket := ws.Get(ws.Options{
		URL:          cfg.ServerURL,
		Header:       header,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	})
	defer socket.Close()

	sessionCfg := session.Config{
		UserID:     cfg.UserID,
		AckTimeout: cfg.AckTimeout,
	}
	if cache != nil {
		sessionCfg.Cache = cache
	}
	sess := session.New(socket, api, sessionCfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(gCtx)
	})

	p := &printer{out: stdout, html: *asHTML, seen: make(map[string]bool)}
	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-sess.Updates():
				snap, err := sess.Snapshot()
				if err != nil {
					return nil
				}
				groups, err := sess.Groups()
				if err != nil {
					return nil
				}
				p.print(snap, groups)
			}
		}
	})

	if err := sess.Open(cfg.ChatID); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	// Scanner reads cannot be interrupted, so input lives outside the group.
	go func() {
		defer cancel()
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == quitCommand {
				return
			}
			if err := sess.Send(line); err != nil {
				if errors.Is(err, session.ErrStopped) {
					return
				}
				p.notice("! not sent: %v", err)
			}
		}
	}()

	return g.Wait()
}

func printChats(ctx context.Context, out io.Writer, api *history.Client, cache *storage.BboltStorage) error {
	chats, err := api.Chats(ctx)
	switch {
	case err == nil && cache != nil:
		if err := cache.SaveChats(chats); err != nil {
			log.Printf("failed to cache chats: %v", err)
		}
	case err != nil && cache != nil:
		log.Printf("using cached chats: %v", err)
		if chats, err = cache.ListChats(); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	for _, c := range chats {
		kind := "direct"
		if c.IsGroup {
			kind = "group"
		}
		_, _ = fmt.Fprintf(out, "%-24s %-6s %s\n", c.ID, kind, c.Name)
	}
	return nil
}

// printer writes each message once, with a day header whenever the day changes.
type printer struct {
	mu         sync.Mutex
	out        io.Writer
	html       bool
	seen       map[string]bool
	room       string
	connected  bool
	sendErr    error
	historyErr error
	lastDay    time.Time
}

func (p *printer) notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) print(snap session.Snapshot, groups []projector.DayGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.RoomID != p.room {
		p.room = snap.RoomID
		p.seen = make(map[string]bool)
		p.lastDay = time.Time{}
		if snap.RoomID != "" {
			_, _ = fmt.Fprintf(p.out, "== %s ==\n", snap.RoomID)
		}
	}
	// Input is only accepted once the room is joined, so that is "online".
	online := snap.Connected && snap.Membership == membership.Joined
	if online != p.connected {
		p.connected = online
		state := "offline"
		if online {
			state = "online"
		}
		_, _ = fmt.Fprintf(p.out, "-- %s --\n", state)
	}
	if snap.SendErr != nil && !errors.Is(snap.SendErr, p.sendErr) {
		_, _ = fmt.Fprintf(p.out, "! %v\n", snap.SendErr)
	}
	p.sendErr = snap.SendErr
	if snap.Loading {
		return
	}
	if snap.HistoryErr != nil && snap.HistoryErr != p.historyErr {
		_, _ = fmt.Fprintf(p.out, "! history unavailable: %v\n", snap.HistoryErr)
	}
	p.historyErr = snap.HistoryErr

	for _, g := range groups {
		for _, item := range g.Items {
			if p.seen[item.Message.ID] {
				continue
			}
			p.seen[item.Message.ID] = true
			if !g.Day.Equal(p.lastDay) {
				p.lastDay = g.Day
				_, _ = fmt.Fprintf(p.out, "-- %s --\n", g.Label)
			}

			name := item.Message.Sender.Username
			if name == "" {
				name = item.Message.Sender.ID
			}
			if item.IsOwn {
				name = "you"
			}
			body := item.Message.Content
			if p.html {
				body = item.HTML
			}
			_, _ = fmt.Fprintf(p.out, "[%s] %s: %s\n", item.Time, name, body)
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
