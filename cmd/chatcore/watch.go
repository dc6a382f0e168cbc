package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatcore/internal/bus"
	"chatcore/internal/config"
	"chatcore/internal/domain"
	"chatcore/internal/metrics"
)

func watchCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "watch platform:channel [platform:channel...]",
		Short: "Print live chat from one or more channels",
		Long: `Connects to every listed channel and prints messages, moderation and
room state changes until interrupted. Channels are written as
twitch:<login>, kick:<slug> or youtube:<video id>.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseRefs(args)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, appOptions{withCache: true, onKickRefresh: kickTokenSaver()})
			if err != nil {
				return err
			}
			defer a.close()

			if verbose {
				a.journal.On("*", func(ev bus.Event) {
					logger.Info("event", "type", ev.Type, "channel", ev.Channel, "fields", ev.Fields)
				})
			}
			if cfg.Metrics.Enabled {
				srv := serveMetrics(cfg.Metrics.Addr)
				defer srv.Close()
			}

			for _, ref := range refs {
				if err := a.mgr.Open(ref); err != nil {
					return err
				}
			}
			logger.Info("watching", "channels", len(refs))

			printEvents(ctx, a.hub, os.Stdout)
			logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log lifecycle events (metadata loads, reconnects)")
	return cmd
}

func parseRefs(args []string) ([]domain.ChannelRef, error) {
	refs := make([]domain.ChannelRef, 0, len(args))
	for _, a := range args {
		ref, err := domain.ParseChannelRef(a)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// printEvents drains the bus until ctx ends.
func printEvents(ctx context.Context, hub *bus.Hub, w io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-hub.MessageBatches():
			if !ok {
				return
			}
			for _, msg := range b.Messages {
				fmt.Fprintln(w, formatMessage(msg))
			}
		case ev := <-hub.ModerationEvents():
			fmt.Fprintln(w, formatModeration(ev))
		case rs := <-hub.RoomStates():
			logger.Info("room state", "channel", rs.Channel, "room", rs.RoomID)
		case sc := <-hub.ConnectionStates():
			logger.Info("connection", "channel", sc.Channel, "status", sc.Kind, "detail", sc.Detail)
		case <-hub.Assets():
			// terminal output has no images to repaint
		}
	}
}

func formatMessage(msg *domain.Message) string {
	var sb strings.Builder
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&sb, "%s [%s] ", ts.Format("15:04:05"), msg.Channel)
	if msg.System {
		fmt.Fprintf(&sb, "* %s", msg.SystemText)
		if msg.Text != "" {
			sb.WriteString(": ")
			sb.WriteString(msg.Text)
		}
		return sb.String()
	}

	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Login
	}
	if msg.Action {
		fmt.Fprintf(&sb, "* %s %s", name, msg.Text)
	} else {
		fmt.Fprintf(&sb, "%s: %s", name, msg.Text)
	}
	var flags []string
	if msg.Mention {
		flags = append(flags, "mention")
	}
	if msg.FirstMessage {
		flags = append(flags, "first")
	}
	if msg.HypeTier != "" {
		flags = append(flags, "tier "+msg.HypeTier)
	}
	if n := len(msg.Spans); n > 0 {
		flags = append(flags, fmt.Sprintf("%d emotes", n))
	}
	if len(flags) > 0 {
		fmt.Fprintf(&sb, "  (%s)", strings.Join(flags, ", "))
	}
	return sb.String()
}

func formatModeration(ev domain.ModerationEvent) string {
	target := ev.TargetLogin
	if target == "" {
		target = ev.TargetUserID
	}
	switch ev.Kind {
	case domain.ModDelete:
		return fmt.Sprintf("-- [%s] message %s deleted", ev.Channel, ev.TargetMessageID)
	case domain.ModTimeout:
		return fmt.Sprintf("-- [%s] %s timed out for %s", ev.Channel, target, ev.Duration)
	case domain.ModBan:
		return fmt.Sprintf("-- [%s] %s banned", ev.Channel, target)
	case domain.ModClear:
		return fmt.Sprintf("-- [%s] chat cleared", ev.Channel)
	}
	return fmt.Sprintf("-- [%s] %s", ev.Channel, ev.Kind)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}

// kickTokenSaver writes refreshed Kick tokens back to the config file so
// the next run starts with a valid pair.
func kickTokenSaver() func(access, refresh string) {
	var mu sync.Mutex
	return func(access, refresh string) {
		mu.Lock()
		defer mu.Unlock()
		path := resolveConfigPath()
		cfg, err := config.LoadOrDefault(path)
		if err != nil {
			logger.Error("kick tokens not saved", "error", err)
			return
		}
		cfg.Kick.AccessToken = access
		if refresh != "" {
			cfg.Kick.RefreshToken = refresh
		}
		if err := config.Save(path, cfg); err != nil {
			logger.Error("kick tokens not saved", "error", err)
		}
	}
}
