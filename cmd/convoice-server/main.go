package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/aeolun/convoice/pkg/logging"
	"github.com/aeolun/convoice/pkg/server"
	"github.com/aeolun/convoice/pkg/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	logLevel   string
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:           "convoice-server",
		Short:         "Multi-room chat server",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "~/.convoice/config.toml", "path to the TOML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(serveCommand(opts), memberCommand(opts), channelCommand(opts))

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(opts *options) (server.ServerConfig, error) {
	tomlCfg, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return server.ServerConfig{}, err
	}
	cfg := tomlCfg.ToServerConfig()
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, nil
}

func serveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, os.Stdout)
			return serve(opts, cfg, logger)
		},
	}
}

func serve(opts *options, cfg server.ServerConfig, logger zerolog.Logger) error {
	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for sig := range sigs {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			break
		}
		next, err := loadConfig(opts)
		if err != nil {
			logger.Error().Err(err).Msg("reload failed, keeping current configuration")
			continue
		}
		if err := srv.Reload(context.Background(), next); err != nil {
			logger.Error().Err(err).Msg("reload failed")
		}
	}

	return srv.Stop()
}

// openStore opens the database named in the config for the admin commands.
func openStore(opts *options) (*store.Store, error) {
	tomlCfg, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	path, err := tomlCfg.GetDatabasePath()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New("persistence is disabled (server.database_path is empty)")
	}
	return store.Open(path)
}

func memberCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage stored members",
		Long: "Manage the members stored in the database. A running server picks the\n" +
			"changes up on SIGHUP. The /members routes on the metrics address edit a\n" +
			"running server directly.",
	}

	var nickname string
	add := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Add or update a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.PutMember(cmd.Context(), store.Member{Username: args[0], Password: args[1], Nickname: nickname}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "member %q saved\n", args[0])
			return nil
		},
	}
	add.Flags().StringVarP(&nickname, "nickname", "n", "", "display nickname")

	modify := &cobra.Command{
		Use:   "modify <username> <new-username> <password>",
		Short: "Rename a member and replace their password",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.ModifyMember(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "member %q saved as %q\n", args[0], args[1])
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <username>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.DeleteMember(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "member %q removed\n", args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			members, err := st.LoadMembers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USERNAME\tNICKNAME")
			for _, m := range members {
				fmt.Fprintf(w, "%s\t%s\n", m.Username, m.Nickname)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, modify, remove, list)
	return cmd
}

func channelCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Inspect permanent channels",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored permanent channels in load order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			channels, err := st.LoadChannels(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTOPIC\tMAX\tPASSWORD")
			for i, c := range channels {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\n", i+1, c.Name, c.Topic, c.MaxClients, c.HasPassword)
			}
			return w.Flush()
		},
	})
	return cmd
}
