package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Environment variables read as flag defaults.
const (
	envServer = "HOOKPULSE_SERVER"
	envToken  = "HOOKPULSE_TOKEN"
	envHooks  = "HOOKPULSE_HOOKS_FILE"

	defaultServer = "http://localhost:8080"
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	server    string
	token     string
	hooksFile string
	verbose   bool
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (o *globalOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// newRootCmd creates the root hook command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Deliver hook payloads to a hookpulse server",
		Long: "hook hands payloads from host hook scripts to a hookpulse server and\n" +
			"follows the server's live activity feed.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("hook {{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr(envServer, defaultServer), "server base URL (env "+envServer+")")
	flags.StringVar(&opts.token, "token", os.Getenv(envToken), "bearer token (env "+envToken+")")
	flags.StringVar(&opts.hooksFile, "hooks-file", os.Getenv(envHooks), "local hook configuration; the server's is used when empty (env "+envHooks+")")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log diagnostics to stderr")

	cmd.AddCommand(
		newSendCmd(opts),
		newWatchCmd(opts),
	)
	return cmd
}
