package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatcore/internal/assetcache"
	"chatcore/internal/bus"
	"chatcore/internal/config"
	"chatcore/internal/manager"
	"chatcore/internal/provider"
	"chatcore/internal/store"
)

// app is everything a long-running command needs, wired from the
// config.
type app struct {
	cfg     *config.Config
	hub     *bus.Hub
	journal *bus.Journal
	cache   *assetcache.Cache
	store   *store.SQLiteStore
	mgr     *manager.Manager
}

type appOptions struct {
	withCache bool
	// onKickRefresh persists rotated Kick tokens.
	onKickRefresh func(access, refresh string)
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	rt := &app{
		cfg:     cfg,
		hub:     bus.New(cfg.Chat.BusBuffer, logger),
		journal: bus.NewJournal(0, logger),
	}

	httpClient := provider.SharedHTTPClient(provider.DefaultTimeout)
	client := provider.NewClient(provider.Client{HTTP: httpClient, Logger: logger})

	if opts.withCache {
		cache, err := assetcache.New(cacheConfig(cfg, httpClient))
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("asset cache: %w", err)
		}
		rt.cache = cache
	}

	if cfg.Store.Enabled {
		st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("metadata store: %w", err)
		}
		rt.store = st
	}

	emotes, err := provider.NewFactory(client).Build(cfg.Emotes.Providers)
	if err != nil {
		rt.close()
		return nil, err
	}

	mcfg := manager.Config{
		Settings:    cfg,
		Credentials: manager.CredentialsFromConfig(cfg),
		Events:      rt.hub,
		Journal:     rt.journal,
		Providers:   provider.NewFanout(emotes, logger),
		Twitch: provider.NewTwitch(provider.TwitchConfig{
			ClientID: cfg.Twitch.ClientID,
			Token:    cfg.Twitch.Token,
			Client:   client,
		}),
		Kick:          provider.NewKick(provider.KickConfig{Client: client}),
		HTTPClient:    httpClient,
		OnKickRefresh: opts.onKickRefresh,
		Logger:        logger,
	}
	// typed nils must not reach the interfaces
	if rt.cache != nil {
		mcfg.Cache = rt.cache
	}
	if rt.store != nil {
		mcfg.Store = rt.store
	}

	if rt.mgr, err = manager.New(mcfg); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func cacheConfig(cfg *config.Config, httpClient *http.Client) assetcache.Config {
	return assetcache.Config{
		Dir:         cfg.Cache.Dir,
		DiskBudget:  int64(cfg.Cache.DiskBudgetMB) << 20,
		StaticCap:   cfg.Cache.StaticCap,
		AnimatedCap: cfg.Cache.AnimatedCap,
		ExpireAfter: time.Duration(cfg.Cache.ExpiryMinutes) * time.Minute,
		Workers:     cfg.Cache.Workers,
		MaxAttempts: cfg.Cache.MaxAttempts,
		Cooldown:    time.Duration(cfg.Cache.CooldownSeconds) * time.Second,
		HTTPClient:  httpClient,
		EmoteHeight: cfg.Cache.EmoteHeight,
		Scale:       cfg.Cache.Scale,
		Logger:      logger,
	}
}

// close shuts down in dependency order: manager first so nothing
// publishes into a closed bus.
func (rt *app) close() error {
	var errs []error
	if rt.mgr != nil {
		rt.mgr.Shutdown()
	}
	if rt.cache != nil {
		errs = append(errs, rt.cache.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	rt.hub.Close()
	return errors.Join(errs...)
}
