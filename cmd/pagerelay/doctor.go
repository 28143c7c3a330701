package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pagerelay/internal/config"
	"pagerelay/internal/provider"
	"pagerelay/internal/ratelimit"
)

// checkReport prints one line per diagnostic and tallies the results.
type checkReport struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *checkReport) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.out, "  [PASS] %-22s %s\n", check, detail)
}

func (r *checkReport) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.out, "  [WARN] %-22s %s\n", check, detail)
}

func (r *checkReport) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.out, "  [FAIL] %-22s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relay installation",
		Long: `Checks the config file, the log directory, the rate-limit store and
the listen port, and optionally sends a test prompt to the AI endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &checkReport{out: cmd.OutOrStdout()}
			fmt.Fprintf(r.out, "pagerelay doctor v%s\n\n", version)

			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", "not found at "+cfgPath)
				fmt.Fprintln(r.out, "\nRun 'pagerelay init' to create one.")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				cfg, err = config.Read(cfgPath)
				if err != nil {
					return summarize(r)
				}
			} else {
				r.pass("Config validation", "valid")
			}

			if cfg.Settings.EnableLogging {
				if err := checkWritableDir(cfg.Log.Dir); err != nil {
					r.warn("Log directory", err.Error())
				} else {
					r.pass("Log directory", cfg.Log.Dir)
				}
			}

			switch cfg.Settings.RateLimitStore {
			case "sqlite":
				if err := checkSQLiteStore(config.ExpandPath(cfg.Settings.RateLimitDB)); err != nil {
					r.fail("Rate limit store", err.Error())
				} else {
					r.pass("Rate limit store", "sqlite "+cfg.Settings.RateLimitDB)
				}
			default:
				r.warn("Rate limit store", "memory: windows reset on restart")
			}

			if err := checkPort(cfg.Addr()); err != nil {
				r.warn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Addr(), err))
			} else {
				r.pass("Listen address", cfg.Addr()+" available")
			}

			if !cfg.AIEngine.BotEnabled {
				r.warn("Bot", "disabled; users get the maintenance notice")
			}

			if probe {
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.AITimeout()+5*time.Second)
				defer cancel()
				engine := provider.NewAIEngine(provider.AIEngineConfig{Logger: logger})
				if _, elapsed, err := engine.Probe(ctx, cfg); err != nil {
					r.fail("AI endpoint", err.Error())
				} else {
					r.pass("AI endpoint", fmt.Sprintf("answered in %s", elapsed.Round(time.Millisecond)))
				}
			}

			return summarize(r)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "send a test prompt to the AI endpoint")
	return cmd
}

func summarize(r *checkReport) error {
	fmt.Fprintf(r.out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkWritableDir(dir string) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("%s not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkSQLiteStore opens the store, which also applies pending migrations,
// and does one write round trip under a throwaway key.
func checkSQLiteStore(path string) error {
	store, err := ratelimit.OpenSQLiteStore(path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	const key = "_doctor"
	if err := store.Save(ctx, key, []time.Time{time.Now()}); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return store.Save(ctx, key, nil)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
