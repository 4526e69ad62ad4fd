package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meszmate/ircotr/internal/app"
	"github.com/meszmate/ircotr/internal/config"
	"github.com/meszmate/ircotr/internal/identity"
	"github.com/meszmate/ircotr/internal/logging"
	"github.com/meszmate/ircotr/internal/ui/theme"
)

var (
	configPath string
	dataDir    string
	logLevel   string
	themeName  string

	cfg    *config.Config
	styles *theme.Styles
)

func Execute() error {
	root := &cobra.Command{
		Use:           "ircotr",
		Short:         "Off-the-Record encryption for IRC conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configPath != "" {
				cfg, err = config.LoadFile(configPath)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return err
			}

			if dataDir != "" {
				cfg.General.DataDir = dataDir
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if themeName != "" {
				cfg.UI.Theme = themeName
			}

			if err := logging.Init(logging.Config{
				Level:   cfg.Logging.Level,
				File:    cfg.Logging.File,
				Console: cfg.Logging.Console,
				Format:  cfg.Logging.Format,
			}); err != nil {
				return err
			}

			styles, err = loadStyles(cfg.UI.Theme)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Shutdown()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/ircotr/config.toml)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding keys and trust")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&themeName, "theme", "", "output color theme")

	root.AddCommand(demoCmd(), keygenCmd(), fingerprintsCmd(), policyCmd())

	if err := root.Execute(); err != nil {
		if styles != nil {
			fmt.Fprintln(os.Stderr, styles.Error.Render("error:"), err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return err
	}
	return nil
}

func loadStyles(name string) (*theme.Styles, error) {
	var dirs []string
	if paths, err := config.GetPaths(); err == nil {
		dirs = append(dirs, paths.ThemesDir())
	}

	m := theme.NewManager(dirs...)
	if name != "" {
		if err := m.SetTheme(name); err != nil {
			return nil, err
		}
	}
	return m.Styles(), nil
}

// openApp builds the application from the loaded config and registers
// network as a connection.
func openApp(network string) (*app.App, identity.ConnectionRef, error) {
	a, err := app.New(cfg, app.Options{Logger: logging.Default()})
	if err != nil {
		return nil, "", err
	}
	conn, err := a.OpenConnection(network)
	if err != nil {
		a.Close()
		return nil, "", err
	}
	return a, conn, nil
}
