package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

const serviceName = "pagerelay"

var unitTemplate = template.Must(template.New("unit").Funcs(template.FuncMap{"quote": unitQuote}).Parse(`[Unit]
Description=pagerelay Messenger webhook relay
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{.WorkDir}}
ExecStart={{quote .Exec}} serve --config {{quote .Config}}
Restart=on-failure
RestartSec=5
TimeoutStopSec=120

[Install]
WantedBy=default.target
`))

// unitQuote renders one ExecStart argument as a double-quoted systemd word.
// Percent signs are doubled so they are not read as specifiers.
func unitQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "%", "%%")
	return `"` + r.Replace(s) + `"`
}

type unitParams struct {
	Exec    string
	Config  string
	WorkDir string
}

func renderUnit(p unitParams) (string, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func userUnitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", serviceName+".service"), nil
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd user unit that runs serve",
	}

	var printOnly bool
	install := &cobra.Command{
		Use:   "install",
		Short: "Write a systemd user unit for pagerelay serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}
			unit, err := renderUnit(unitParams{Exec: execPath, Config: cfgPath, WorkDir: filepath.Dir(cfgPath)})
			if err != nil {
				return err
			}
			if printOnly {
				fmt.Fprint(cmd.OutOrStdout(), unit)
				return nil
			}

			unitPath, err := userUnitPath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Unit installed: %s\n", unitPath)
			fmt.Fprintf(out, "To start:  systemctl --user daemon-reload && systemctl --user start %s\n", serviceName)
			fmt.Fprintf(out, "To enable: systemctl --user enable %s\n", serviceName)
			return nil
		},
	}
	install.Flags().BoolVar(&printOnly, "print", false, "print the unit instead of installing it")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the systemd user unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			unitPath, err := userUnitPath()
			if err != nil {
				return err
			}
			if err := os.Remove(unitPath); err != nil {
				return fmt.Errorf("remove unit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unit removed: %s\n", unitPath)
			return nil
		},
	}

	cmd.AddCommand(install, uninstall)
	return cmd
}
