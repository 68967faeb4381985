// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/peterbourgon/ff/v3/ffcli"
	"uorb.dev/orb"
	"uorb.dev/tstime"
)

func topCmd() *ffcli.Command {
	fs := newFlagSet("top")
	fs.BoolVar(&topArgs.once, "1", false, "print one table and exit")
	fs.DurationVar(&topArgs.interval, "interval", time.Second, "time between tables")
	return &ffcli.Command{
		Name:       "top",
		ShortUsage: "uorb top [-1] [-interval d] [topic[,topic...]]",
		ShortHelp:  "Show publish rates and queue state of every topic instance",
		FlagSet:    fs,
		Exec:       runTop,
	}
}

var topArgs struct {
	once     bool
	interval time.Duration
}

func runTop(ctx context.Context, args []string) error {
	if topArgs.interval <= 0 {
		return errors.New("-interval must be positive")
	}
	filter := strings.Join(args, ",")
	clearScreen := !topArgs.once && isTerminal(Stdout)
	return withSession(ctx, func(ctx context.Context, s *session) error {
		for {
			// Rates need an interval of publishing to mean anything.
			if !tstime.Sleep(ctx, topArgs.interval) {
				return nil
			}
			if clearScreen {
				printf("\x1b[H\x1b[2J")
			}
			writeTop(Stdout, s.reg.Objects(filter))
			if topArgs.once {
				return nil
			}
			if !clearScreen {
				outln()
			}
		}
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// writeTop writes one row per node.
func writeTop(w io.Writer, nodes []*orb.Node) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOPIC NAME\tINST\t#SUB\tRATE\t#Q\tSIZE\tLOST\tPRIO")
	for _, n := range nodes {
		st := n.State()
		name := n.Meta().Name
		if !st.Advertised {
			name += " (not advertised)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t%d\t%d\t%d\t%d\n",
			name, n.Instance(), st.Subscribers, n.PublishRate(), st.QueueSize, n.Meta().Size, st.Lost, st.Priority)
	}
	tw.Flush()
}
