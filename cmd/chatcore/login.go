package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatcore/internal/browser"
	"chatcore/internal/config"
)

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Capture platform credentials",
	}

	var profile string
	var check bool
	youtube := &cobra.Command{
		Use:   "youtube",
		Short: "Sign in to YouTube in a browser and store the session cookies",
		Long: `Opens a visible Chrome window on the Google sign-in page. Once the
session cookies appear they are written to youtube.cookies in the config.
With --check the stored profile is read headlessly instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if profile == "" {
				profile = filepath.Join(config.DefaultConfigDir(), "chrome-profile")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			capture := browser.NewCapture(browser.CaptureConfig{ProfileDir: profile, Headless: true, Logger: logger})
			var header string
			if check {
				header, err = capture.Cookies(ctx)
			} else {
				ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
				defer cancel()
				fmt.Println("Sign in to YouTube in the browser window. It closes by itself once done.")
				header, err = capture.Login(ctx)
			}
			if err != nil {
				return err
			}

			cfg.YouTube.Cookies = header
			if err := config.Save(resolveConfigPath(), cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("youtube cookies saved", "config", resolveConfigPath())
			return nil
		},
	}
	youtube.Flags().StringVar(&profile, "profile", "", "Chrome profile directory (default: ~/.chatcore/chrome-profile)")
	youtube.Flags().BoolVar(&check, "check", false, "read the existing profile without opening a window")

	cmd.AddCommand(youtube)
	return cmd
}
