package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pagerelay/internal/config"
	"pagerelay/internal/provider"
	"pagerelay/internal/security"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "pagerelay",
		Short:   "Messenger webhook relay to an AI chat endpoint",
		Long:    "pagerelay receives Facebook Messenger webhooks, rate-limits each sender and answers with replies from an AI inference endpoint.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file, .json or .yaml (default: ./config.json)")

	root.AddCommand(serveCmd())
	root.AddCommand(initCmd())
	root.AddCommand(configCmd())
	root.AddCommand(botCmd())
	root.AddCommand(signCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(serviceCmd())
	return root
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file with a fresh verify token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			token, err := config.NewVerifyToken()
			if err != nil {
				return fmt.Errorf("generate verify token: %w", err)
			}
			cfg.Platform.VerifyToken = token
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "verify_token", token)
			fmt.Fprintln(cmd.OutOrStdout(), "Fill in ai_engine.url, ai_engine.bearer_token, platform.page_access_token and platform.app_secret before running serve.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file and picked up by a running server on its next delivery.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. settings.rate_limit_messages)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. settings.rate_limit_window 120)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Read(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			if err := config.Validate(cfg); err != nil {
				logger.Warn("config saved but not yet valid; serve will refuse it", "err", err)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values as dot paths (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.ListPaths(config.Sanitize(cfg)), "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	var reveal bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config as YAML (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !reveal {
				cfg = config.Sanitize(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	show.Flags().BoolVar(&reveal, "reveal", false, "print secrets unmasked")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.ExpandPath(resolveConfigPath()))
		},
	})

	return cmd
}

func botCmd() *cobra.Command {
	set := func(enabled bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Read(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.AIEngine.BotEnabled = enabled
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("bot state changed", "enabled", enabled, "file", cfgPath)
			return nil
		}
	}

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Turn AI replies on or off",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			state := "off"
			if cfg.AIEngine.BotEnabled {
				state = "on"
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{Use: "on", Short: "Enable AI replies", RunE: set(true)})
	cmd.AddCommand(&cobra.Command{Use: "off", Short: "Send the maintenance notice instead of AI replies", RunE: set(false)})
	return cmd
}

func signCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "sign [file|-]",
		Short: "Print the X-Hub-Signature-256 header value for a request body",
		Long:  "Computes sha256=<hex> over the file contents (or stdin with -) using platform.app_secret, for replaying webhook deliveries by hand.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			if secret == "" {
				cfg, err := config.Read(resolveConfigPath())
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				secret = cfg.Platform.AppSecret
			}
			if secret == "" {
				return errors.New("no app secret: set platform.app_secret or pass --secret")
			}
			fmt.Fprintln(cmd.OutOrStdout(), security.Sign(body, secret))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "app secret (default: platform.app_secret from config)")
	return cmd
}

func statusCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Validate the config and optionally probe the AI endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "valid", false, "err", err)
				return err
			}
			logger.Info("config", "path", cfgPath, "valid", true)
			logger.Info("bot", "enabled", cfg.AIEngine.BotEnabled, "bot_id", cfg.AIEngine.BotID)
			logger.Info("rate limit",
				"messages", cfg.Settings.RateLimitMessages,
				"window", cfg.RateWindow(),
				"store", cfg.Settings.RateLimitStore)

			if !probe {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), cfg.AITimeout()+5*time.Second)
			defer cancel()
			engine := provider.NewAIEngine(provider.AIEngineConfig{Logger: logger})
			reply, elapsed, err := engine.Probe(ctx, cfg)
			if err != nil {
				logger.Info("ai engine", "url", cfg.AIEngine.URL, "healthy", false, "elapsed", elapsed, "err", err)
				return err
			}
			logger.Info("ai engine", "url", cfg.AIEngine.URL, "healthy", true, "elapsed", elapsed, "reply_chars", len([]rune(reply)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "send a test prompt to the AI endpoint")
	return cmd
}
