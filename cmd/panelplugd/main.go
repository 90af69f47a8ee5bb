// panelplugd is the panel host daemon. It runs the display server that
// plugin processes embed into, spawns external plugins from their
// descriptors and keeps a registry of the panel's items.
//
// Commands:
//
//	panelplugd run [plugin...]        Serve the display and host plugins
//	panelplugd plugins                List installed plugin descriptors
//	panelplugd items                  List items recorded in the registry
//	panelplugd logs <item-id>         Print an item's captured output
//	panelplugd version                Print the version
//
// These talk to a running daemon over its control socket:
//
//	panelplugd status                 Show the daemon and its items
//	panelplugd add <plugin>           Add an item
//	panelplugd remove <item-id>       Remove an item
//	panelplugd configure <item-id>    Ask an item to show its configuration
//	panelplugd save [item-id]         Ask items to save their settings
//	panelplugd panel                  Change the panel size or position
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/xfeldman/panelplug/internal/config"
	"github.com/xfeldman/panelplug/internal/descriptor"
	"github.com/xfeldman/panelplug/internal/logstore"
	"github.com/xfeldman/panelplug/internal/registry"
	"github.com/xfeldman/panelplug/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "panelplugd",
		Short:        "Panel host for out-of-process plugins",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCmd(opts),
		newPluginsCmd(opts),
		newItemsCmd(opts),
		newLogsCmd(opts),
		newVersionCmd(),
		newStatusCmd(opts),
		newAddCmd(opts),
		newRemoveCmd(opts),
		newConfigureCmd(opts),
		newSaveCmd(opts),
		newPanelCmd(opts),
	)
	return cmd
}

// load reads the config and installs the process logger.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})))
	return cfg, nil
}

func newPluginsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List installed plugin descriptors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			descs, errs := descriptor.LoadDir(cfg.PluginsDir)
			for _, err := range errs {
				slog.Warn("skipping descriptor", "error", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDISPLAY NAME\tUNIQUE\tEXEC")
			for _, d := range descs {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", d.Name, d.DisplayName, d.Unique, d.Exec)
			}
			return w.Flush()
		},
	}
}

func newItemsCmd(opts *rootOptions) *cobra.Command {
	var prune time.Duration
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List items recorded in the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			reg, err := registry.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			defer reg.Close()

			if prune > 0 {
				n, err := reg.PruneGone(time.Now().Add(-prune))
				if err != nil {
					return fmt.Errorf("prune: %w", err)
				}
				slog.Info("pruned gone items", "count", n)
			}

			items, err := reg.ListItems()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPLUGIN\tSTATE\tPID\tREMOVED\tANOMALY\tUPDATED")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%s\t%s\n",
					it.ID, it.Name, it.State, it.PID, it.ToBeRemoved, it.Anomaly,
					it.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete gone items last updated longer ago than this")
	return cmd
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <item-id>",
		Short: "Print an item's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			entries, err := logstore.NewStore(cfg.LogsDir).ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read logs of %s: %w", args[0], err)
			}
			if tail > 0 && len(entries) > tail {
				entries = entries[len(entries)-tail:]
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				stream := e.Stream
				if e.Source == logstore.SourceSystem {
					stream = strings.ToUpper(e.Source)
				}
				fmt.Fprintf(out, "%s %-6s %s\n", e.Timestamp.Local().Format(time.DateTime), stream, e.Line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "print only the last n lines")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "panelplugd %s\n", version.Version())
		},
	}
}
