// convoctl is the operator CLI for a convod data directory: list, show,
// export, and delete stored conversation sessions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/go-convo/internal/config"
	"github.com/flitsinc/go-convo/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "convoctl",
		Short:         "Inspect and manage convod conversation sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(listCmd(), showCmd(), exportCmd(), deleteCmd())
	return root
}

func openStore(ctx context.Context) (store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	factory := store.NewFactory(store.FactoryConfig{
		Backend:     cfg.Backend,
		SessionsDir: cfg.SessionsDir,
		DBPath:      cfg.DBPath,
	}, logger)
	return factory.Get(ctx)
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest activity first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			metas, err := st.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tMESSAGES\tUPDATED\tTITLE")
			for _, meta := range metas {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					meta.SessionID, meta.MessageCount, meta.UpdatedAt.Format(time.RFC3339), meta.Title)
			}
			return w.Flush()
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			meta, msgs, err := st.LoadSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d messages, updated %s)\n\n",
				meta.Title, meta.MessageCount, meta.UpdatedAt.Format(time.RFC3339))
			for i, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s: %s\n", i, m.Role, m.Content)
				for _, tc := range m.ToolCalls {
					fmt.Fprintf(cmd.OutOrStdout(), "     tool call %s (%s)\n", tc.Name, tc.ID)
				}
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <session-id> <path>",
		Short: "Export a session to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			f, ok := store.ParseFormat(format)
			if !ok {
				return fmt.Errorf("unsupported format %q (use json or markdown)", format)
			}
			path, err := st.ExportSession(cmd.Context(), args[0], args[1], f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "export format: json or markdown")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>...",
		Short: "Delete sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range args {
				deleted, err := st.DeleteSession(cmd.Context(), id)
				if err != nil {
					return err
				}
				if deleted {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "not found: %s\n", id)
				}
			}
			return nil
		},
	}
}
