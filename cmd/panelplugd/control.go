package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xfeldman/panelplug/internal/client"
	"github.com/xfeldman/panelplug/internal/plugin"
)

// dial loads the config and returns a client for the running daemon.
func (o *rootOptions) dial() (*client.Client, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.ControlSocket), nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon and its items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.dial()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("panelplugd is not running: %w", err)
			}
			items, err := c.ListItems(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "panelplugd %s, display %s, %d items\n", st.Version, st.Display, st.Items)
			if len(items) == 0 {
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPLUGIN\tSTATE\tPID\tEXPAND\tERROR")
			for _, it := range items {
				state := it.State
				if it.Anomalous {
					state += "!"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%s\n", it.ID, it.Plugin, state, it.PID, it.Expand, it.Error)
			}
			return w.Flush()
		},
	}
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	var req client.CreateItemRequest
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "add <plugin>",
		Short: "Add an item of a plugin to the running panel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.dial()
			if err != nil {
				return err
			}
			req.Plugin = args[0]
			ctx := cmd.Context()
			if req.Wait && timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			it, err := c.CreateItem(ctx, req)
			if err != nil {
				return fmt.Errorf("add %s: %w", req.Plugin, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", it.ID, it.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "item id (default <plugin>-<random>)")
	cmd.Flags().BoolVar(&req.Wait, "wait", false, "wait until the item is live")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long --wait may take")
	return cmd
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	var ask bool
	cmd := &cobra.Command{
		Use:   "remove <item-id>",
		Short: "Remove an item from the running panel",
		Long: `Remove an item from the running panel.

By default the item is freed at once and its plugin exits. With --ask the
plugin is asked to remove itself and may decline or confirm first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.dial()
			if err != nil {
				return err
			}
			if ask {
				return c.RequestRemove(cmd.Context(), args[0])
			}
			return c.FreeItem(cmd.Context(), args[0])
		},
	}
	cmd.Flags().BoolVar(&ask, "ask", false, "ask the plugin to remove itself")
	return cmd
}

func newConfigureCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "configure <item-id>",
		Short: "Ask an item to show its configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.dial()
			if err != nil {
				return err
			}
			return c.Configure(cmd.Context(), args[0])
		},
	}
}

func newSaveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "save [item-id]",
		Short: "Ask one or all items to save their settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.dial()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return c.SaveItem(cmd.Context(), args[0])
			}
			return c.SaveAll(cmd.Context())
		},
	}
}

func newPanelCmd(opts *rootOptions) *cobra.Command {
	var size int
	var position string
	cmd := &cobra.Command{
		Use:   "panel",
		Short: "Change the panel size or screen position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req client.PanelRequest
			if cmd.Flags().Changed("size") {
				if size <= 0 {
					return fmt.Errorf("--size must be positive")
				}
				req.Size = &size
			}
			if position != "" {
				if _, err := plugin.ParseScreenPosition(position); err != nil {
					return err
				}
				req.ScreenPosition = position
			}
			if req.Size == nil && req.ScreenPosition == "" {
				return fmt.Errorf("nothing to change: pass --size or --position")
			}
			c, err := opts.dial()
			if err != nil {
				return err
			}
			return c.SetPanel(cmd.Context(), req)
		},
	}
	cmd.Flags().IntVar(&size, "size", 0, "panel size in pixels")
	cmd.Flags().StringVar(&position, "position", "", "screen position name or ordinal (e.g. s, nw-h, 0)")
	return cmd
}
