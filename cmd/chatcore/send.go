package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatcore/internal/domain"
)

func sendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send platform:channel message...",
		Short: "Send one chat message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := domain.ParseChannelRef(args[0])
			if err != nil {
				return err
			}
			text := strings.TrimSpace(strings.Join(args[1:], " "))
			if text == "" {
				return fmt.Errorf("empty message")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			a, err := newApp(cfg, appOptions{onKickRefresh: kickTokenSaver()})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.mgr.Open(ref); err != nil {
				return err
			}
			if err := waitConnected(ctx, a.hub.ConnectionStates(), ref.Key()); err != nil {
				return err
			}
			if err := a.mgr.Send(ctx, ref, text); err != nil {
				return fmt.Errorf("send to %s: %w", ref.Key(), err)
			}
			logger.Info("message sent", "channel", ref.Key())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up if the channel is not connected in time")
	return cmd
}

// waitConnected blocks until key reports connected. An error status is
// returned as is.
func waitConnected(ctx context.Context, states <-chan domain.StateChange, key string) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect %s: %w", key, ctx.Err())
		case sc, ok := <-states:
			if !ok {
				return fmt.Errorf("connect %s: bus closed", key)
			}
			if sc.Channel != key {
				continue
			}
			switch sc.Kind {
			case domain.StatusConnected:
				return nil
			case domain.StatusError:
				return fmt.Errorf("connect %s: %s", key, sc.Detail)
			}
		}
	}
}
