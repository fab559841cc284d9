package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/engine"
	"github.com/basket/go-foreman/internal/persistence"
)

// OriginCLI is the payload channel of actions pushed from the command line.
const OriginCLI = "cli"

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseFlags maps flag errors to exit codes; ok is false when the caller
// should return code.
func parseFlags(fs *flag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

func runInitCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("init", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	home := config.HomeDir()
	path, err := config.WriteDefault(home)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "config: %s\n", path)
	return 0
}

func runPushCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("push", stderr)
	lane := fs.String("lane", string(persistence.LaneUser), "lane: user or autonomy")
	priority := fs.Int("priority", 0, "higher runs first")
	channel := fs.String("channel", OriginCLI, "origin channel recorded in the payload")
	session := fs.String("session", "", "conversation key within the channel")
	target := fs.String("target", "", "delivery target for outgoing messages")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	desc := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if desc == "" {
		fmt.Fprintln(stderr, "usage: foreman push [flags] <description>")
		return 2
	}

	return withEnv(stderr, func(env *cliEnv) error {
		payload := map[string]any{persistence.PayloadChannel: *channel}
		if *session != "" {
			payload[persistence.PayloadSession] = *session
		}
		if *target != "" {
			payload[persistence.PayloadTarget] = *target
		}
		res, err := env.producer().Push(ctx, engine.Request{
			Description: desc,
			Priority:    *priority,
			Lane:        persistence.Lane(*lane),
			Payload:     payload,
		})
		if errors.Is(err, engine.ErrUnknownLane) {
			return usagef("push: %v", err)
		}
		if err != nil {
			return err
		}
		p := newPrinter(stdout)
		if *asJSON {
			return p.json(res)
		}
		switch {
		case res.Resumed:
			p.line("resumed %s", res.ActionID)
		case res.Deduped:
			p.line("duplicate of %s", res.ActionID)
		default:
			p.line("pushed %s", res.ActionID)
		}
		return nil
	})
}

func runCancelCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("cancel", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: foreman cancel <action-id>")
		return 2
	}
	id := fs.Arg(0)
	return withEnv(stderr, func(env *cliEnv) error {
		ok, err := env.cancellations().Cancel(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(stdout, "%s already settled\n", id)
			return nil
		}
		fmt.Fprintf(stdout, "cancel requested for %s\n", id)
		return nil
	})
}

func runClearCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("clear", stderr)
	reason := fs.String("reason", "queue cleared by operator", "reason recorded on every failed action")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "usage: foreman clear [-reason text] [-json]")
		return 2
	}
	return withEnv(stderr, func(env *cliEnv) error {
		res, err := env.cancellations().ClearQueue(ctx, *reason)
		if err != nil {
			return err
		}
		p := newPrinter(stdout)
		if *asJSON {
			return p.json(res)
		}
		p.line("failed %d pending, cancelled %d running", len(res.Failed), len(res.Cancelled))
		return nil
	})
}

func parseStatuses(raw string) ([]persistence.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []persistence.Status
	for _, part := range strings.Split(raw, ",") {
		st := persistence.Status(strings.ToLower(strings.TrimSpace(part)))
		if _, ok := statusColors[st]; !ok {
			return nil, usagef("unknown status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

func runListCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	statuses := fs.String("status", "", "comma-separated statuses to show")
	lane := fs.String("lane", "", "only this lane")
	limit := fs.Int("limit", 50, "maximum rows")
	asJSON := fs.Bool("json", false, "print actions as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	return withEnv(stderr, func(env *cliEnv) error {
		filter := persistence.ActionFilter{Limit: *limit}
		var err error
		if filter.Statuses, err = parseStatuses(*statuses); err != nil {
			return err
		}
		if *lane != "" {
			if filter.Lane, err = persistence.ParseLane(*lane); err != nil {
				return usagef("list: %v", err)
			}
		}
		actions, err := env.store.List(ctx, filter)
		if err != nil {
			return err
		}
		p := newPrinter(stdout)
		if *asJSON {
			if actions == nil {
				actions = []persistence.Action{}
			}
			return p.json(actions)
		}
		if len(actions) == 0 {
			p.line("no actions")
			return nil
		}
		now := env.store.Now()
		rows := make([][]string, 0, len(actions))
		for _, a := range actions {
			attempts := "-"
			if a.Retry != nil {
				attempts = strconv.Itoa(a.Retry.Attempts) + "/" + strconv.Itoa(a.Retry.MaxAttempts)
			}
			rows = append(rows, []string{
				a.ID,
				string(a.Status),
				string(a.Lane),
				strconv.Itoa(a.Priority),
				a.Origin,
				attempts,
				age(now, a.CreatedAt),
				clip(a.Description, 48),
				clip(a.Reason, 40),
			})
		}
		p.table([]string{"ID", "STATUS", "LANE", "PRI", "ORIGIN", "RETRY", "AGE", "DESCRIPTION", "REASON"}, rows, 1)
		return nil
	})
}
