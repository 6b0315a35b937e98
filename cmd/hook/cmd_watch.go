package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/hookpulse/internal/activity"
	"github.com/onnwee/hookpulse/internal/feedclient"
)

type watchOptions struct {
	types        string
	subject      string
	pollInterval time.Duration
	jsonOutput   bool
}

func parseTypes(s string) ([]activity.Type, error) {
	var out []activity.Type
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := activity.ParseType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// printer writes updates as text lines or JSON lines.
type printer struct {
	w    io.Writer
	json bool
}

func (p printer) print(u activity.Update) {
	if p.json {
		data, err := json.Marshal(u)
		if err != nil {
			return
		}
		fmt.Fprintln(p.w, string(data))
		return
	}
	subject := u.SubjectName
	if subject == "" {
		subject = u.SubjectID
	}
	fmt.Fprintf(p.w, "%s  %-16s %-20s %s\n",
		u.Timestamp.Local().Format(time.TimeOnly), u.Type, subject, u.Description)
}

func newWatchCmd(g *globalOptions) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live activity feed",
		Long: "watch streams activity updates over the server's WebSocket feed. While the\n" +
			"stream is down it polls the recent-activities endpoint and reconnects with\n" +
			"backoff. Press Ctrl+C to stop.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			types, err := parseTypes(opts.types)
			if err != nil {
				return err
			}
			errOut := cmd.ErrOrStderr()
			client, err := feedclient.New(feedclient.Config{
				BaseURL:      g.server,
				Token:        g.token,
				Types:        types,
				SubjectID:    opts.subject,
				PollInterval: opts.pollInterval,
				Logger:       g.logger(cmd),
				OnModeChange: func(m feedclient.Mode) {
					fmt.Fprintf(errOut, "-- %s --\n", m)
				},
			})
			if err != nil {
				return err
			}
			p := printer{w: cmd.OutOrStdout(), json: opts.jsonOutput}
			err = client.Run(cmd.Context(), p.print)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.types, "types", "", "comma-separated activity types to show")
	flags.StringVar(&opts.subject, "subject", "", "only show updates for this session, user or tool")
	flags.DurationVar(&opts.pollInterval, "poll-interval", feedclient.DefaultPollInterval, "poll interval while the live feed is down")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print one JSON object per update")
	return cmd
}
