package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"chatcore/internal/domain"
)

// ErrAllProvidersFailed is returned when every queried provider failed, so
// an empty result means nothing was learned.
var ErrAllProvidersFailed = errors.New("all emote providers failed")

// Fanout queries several emote providers concurrently.
type Fanout struct {
	providers []domain.EmoteProvider
	logger    *slog.Logger
}

func NewFanout(providers []domain.EmoteProvider, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{providers: providers, logger: logger}
}

// Providers returns the names in query order.
func (f *Fanout) Providers() []string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return names
}

// FetchChannel collects channel emotes from every provider named in
// enabled (all of them when enabled is nil). A failing provider is logged
// and skipped; a provider that does not know the channel counts as empty.
// Results keep provider order. The error is ErrAllProvidersFailed when no
// queried provider answered.
func (f *Fanout) FetchChannel(ctx context.Context, platform domain.Platform, channelID string, enabled []string) ([]domain.Emote, error) {
	return f.collect(ctx, enabled, func(ctx context.Context, p domain.EmoteProvider) ([]domain.Emote, error) {
		return p.ChannelEmotes(ctx, platform, channelID)
	}, "channel", channelID)
}

// FetchGlobal collects the global emotes of every enabled provider.
func (f *Fanout) FetchGlobal(ctx context.Context, enabled []string) ([]domain.Emote, error) {
	return f.collect(ctx, enabled, func(ctx context.Context, p domain.EmoteProvider) ([]domain.Emote, error) {
		return p.GlobalEmotes(ctx)
	}, "scope", "global")
}

func (f *Fanout) collect(ctx context.Context, enabled []string, fetch func(context.Context, domain.EmoteProvider) ([]domain.Emote, error), attrs ...any) ([]domain.Emote, error) {
	results := make([][]domain.Emote, len(f.providers))
	errs := make([]error, len(f.providers))
	queried := 0
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range f.providers {
		if enabled != nil && !slices.Contains(enabled, p.Name()) {
			continue
		}
		queried++
		g.Go(func() error {
			emotes, err := fetch(gctx, p)
			switch {
			case errors.Is(err, ErrNotFound):
				f.logger.Debug("emote provider has no set", append([]any{"provider", p.Name()}, attrs...)...)
			case err != nil:
				f.logger.Warn("emote provider failed", append([]any{"provider", p.Name(), "error", err}, attrs...)...)
				errs[i] = fmt.Errorf("%s: %w", p.Name(), err)
			default:
				f.logger.Debug("emotes fetched", append([]any{"provider", p.Name(), "count", len(emotes)}, attrs...)...)
				results[i] = emotes
			}
			return nil
		})
	}
	g.Wait()

	var (
		out    []domain.Emote
		failed int
	)
	for i, r := range results {
		out = append(out, r...)
		if errs[i] != nil {
			failed++
		}
	}
	if queried > 0 && failed == queried {
		return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
	}
	return out, nil
}
