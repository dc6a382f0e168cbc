package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatcore/internal/codec"
	"chatcore/internal/config"
	"chatcore/internal/provider"
	"chatcore/internal/store"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatcore setup",
		Long: `Verifies that the configuration, cache directory, metadata store and
platform credentials are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatcore doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			// 1. Config file
			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			// 2. Cache directory
			if err := checkWritableDir(cfg.Cache.Dir); err != nil {
				r.fail("Cache directory", err.Error())
			} else {
				r.pass("Cache directory", cfg.Cache.Dir)
			}

			// 3. Metadata store
			if cfg.Store.Enabled {
				if detail, err := checkStore(cfg.Store.DBPath); err != nil {
					r.fail("Metadata store", err.Error())
				} else {
					r.pass("Metadata store", detail)
				}
			} else {
				r.warn("Metadata store", "disabled, every start refetches emotes")
			}

			// 4. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					r.warn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
				} else {
					r.pass("Metrics addr", cfg.Metrics.Addr+" available")
				}
			}

			// 5. Twitch
			switch {
			case cfg.Twitch.Token == "":
				r.warn("Twitch", "no token, chat is read-only")
			case offline:
				r.pass("Twitch", "token configured (not checked)")
			default:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				tw := provider.NewTwitch(provider.TwitchConfig{ClientID: cfg.Twitch.ClientID, Token: cfg.Twitch.Token})
				info, err := tw.ValidateToken(ctx, cfg.Twitch.Token)
				cancel()
				if err != nil {
					r.fail("Twitch", "token rejected: "+err.Error())
				} else {
					r.pass("Twitch", fmt.Sprintf("signed in as %s (scopes: %s)", info.Login, strings.Join(info.Scopes, " ")))
				}
			}

			// 6. Kick
			if cfg.Kick.AccessToken == "" {
				r.warn("Kick", "no access token, chat is read-only")
			} else if cfg.Kick.RefreshToken == "" || cfg.Kick.ClientID == "" {
				r.warn("Kick", "token cannot be refreshed without refreshToken, clientId and clientSecret")
			} else {
				r.pass("Kick", "token and refresh credentials configured")
			}

			// 7. YouTube
			if cfg.YouTube.Cookies == "" {
				r.warn("YouTube", "no cookies, run 'chatcore login youtube' to send messages")
			} else if missing := codec.ValidateCookies(codec.ParseCookieString(cfg.YouTube.Cookies)); len(missing) > 0 {
				r.fail("YouTube", "cookies missing "+strings.Join(missing, ", "))
			} else {
				r.pass("YouTube", "session cookies present")
			}

			// 8. Log file
			if cfg.General.LogFile != "" {
				if err := checkWritableDir(filepath.Dir(cfg.General.LogFile)); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that need the network")
	return cmd
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned == 0 {
		fmt.Printf("\nAll checks passed.\n")
	}
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// checkStore opens the store, which runs pending migrations, and reads
// its row counts.
func checkStore(dbPath string) (string, error) {
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return "", err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := st.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot read: %w", err)
	}
	return fmt.Sprintf("%s (%d ids, %d emote sets)", dbPath, s.ResolvedIDs, s.EmoteSets), nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
