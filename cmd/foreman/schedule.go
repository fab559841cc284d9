package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/basket/go-foreman/internal/cron"
	"github.com/basket/go-foreman/internal/persistence"
)

func printScheduleUsage(w io.Writer) {
	fmt.Fprint(w, `usage:
  foreman schedule add -name n -cron "expr" [-priority N] <description>
  foreman schedule list [-json]
  foreman schedule remove <id|name>
  foreman schedule enable|disable <id|name>
`)
}

func runScheduleCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printScheduleUsage(stderr)
		return 2
	}
	action, rest := strings.ToLower(args[0]), args[1:]
	switch action {
	case "add":
		return runScheduleAdd(ctx, rest, stdout, stderr)
	case "list", "ls":
		return runScheduleList(ctx, rest, stdout, stderr)
	case "remove", "rm", "delete":
		return runScheduleRemove(ctx, rest, stdout, stderr)
	case "enable", "disable":
		return runScheduleToggle(ctx, rest, action == "enable", stdout, stderr)
	case "help", "-h", "--help":
		printScheduleUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown schedule action %q\n", action)
		printScheduleUsage(stderr)
		return 2
	}
}

func runScheduleAdd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("schedule add", stderr)
	name := fs.String("name", "", "unique schedule name")
	expr := fs.String("cron", "", "5-field cron expression")
	priority := fs.Int("priority", 0, "priority of pushed actions")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	desc := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *name == "" || *expr == "" || desc == "" {
		printScheduleUsage(stderr)
		return 2
	}
	return withEnv(stderr, func(env *cliEnv) error {
		sched, err := cron.Add(ctx, env.store, persistence.Schedule{
			Name:        *name,
			CronExpr:    *expr,
			Description: desc,
			Priority:    *priority,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "schedule %s (%s) next run %s\n", sched.Name, sched.ID, sched.NextRunAt.Format("2006-01-02 15:04 MST"))
		return nil
	})
}

func runScheduleList(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("schedule list", stderr)
	asJSON := fs.Bool("json", false, "print schedules as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	return withEnv(stderr, func(env *cliEnv) error {
		scheds, err := env.store.ListSchedules(ctx)
		if err != nil {
			return err
		}
		p := newPrinter(stdout)
		if *asJSON {
			if scheds == nil {
				scheds = []persistence.Schedule{}
			}
			return p.json(scheds)
		}
		if len(scheds) == 0 {
			p.line("no schedules")
			return nil
		}
		now := env.store.Now()
		rows := make([][]string, 0, len(scheds))
		for _, s := range scheds {
			next, last := "-", "-"
			if s.NextRunAt != nil && s.Enabled {
				next = age(now, *s.NextRunAt)
			}
			if s.LastRunAt != nil {
				last = age(now, *s.LastRunAt) + " ago"
			}
			rows = append(rows, []string{
				s.Name, s.CronExpr, strconv.FormatBool(s.Enabled), strconv.Itoa(s.Priority),
				next, last, clip(s.Description, 48), s.ID,
			})
		}
		p.table([]string{"NAME", "CRON", "ENABLED", "PRI", "NEXT", "LAST", "DESCRIPTION", "ID"}, rows, -1)
		return nil
	})
}

func runScheduleRemove(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		printScheduleUsage(stderr)
		return 2
	}
	return withEnv(stderr, func(env *cliEnv) error {
		if err := env.store.DeleteSchedule(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed %s\n", args[0])
		return nil
	})
}

func runScheduleToggle(ctx context.Context, args []string, enabled bool, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		printScheduleUsage(stderr)
		return 2
	}
	return withEnv(stderr, func(env *cliEnv) error {
		sched, err := findSchedule(ctx, env.store, args[0])
		if err != nil {
			return err
		}
		if enabled {
			if _, err := cron.NextRunTime(sched.CronExpr, env.store.Now()); err != nil {
				return fmt.Errorf("schedule %s has an invalid cron expression %q: %w", sched.Name, sched.CronExpr, err)
			}
		}
		if err := env.store.EnableSchedule(ctx, sched.ID, enabled); err != nil {
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Fprintf(stdout, "%s %s\n", state, sched.Name)
		return nil
	})
}

func findSchedule(ctx context.Context, store *persistence.Store, idOrName string) (persistence.Schedule, error) {
	scheds, err := store.ListSchedules(ctx)
	if err != nil {
		return persistence.Schedule{}, err
	}
	for _, s := range scheds {
		if s.ID == idOrName || s.Name == idOrName {
			return s, nil
		}
	}
	return persistence.Schedule{}, fmt.Errorf("%w: %s", persistence.ErrScheduleNotFound, idOrName)
}
