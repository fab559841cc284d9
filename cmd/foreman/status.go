package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/recovery"
)

type daemonState struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Lock    string `json:"lock"`
}

type runningAction struct {
	ID        string     `json:"id"`
	Lane      string     `json:"lane"`
	Owner     string     `json:"owner"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type statusReport struct {
	Home             string                     `json:"home"`
	Database         string                     `json:"database"`
	Daemon           daemonState                `json:"daemon"`
	Counts           map[persistence.Status]int `json:"counts"`
	Running          []runningAction            `json:"running"`
	OldestPending    *time.Time                 `json:"oldest_pending,omitempty"`
	Schedules        int                        `json:"schedules"`
	EnabledSchedules int                        `json:"enabled_schedules"`
}

func collectStatus(ctx context.Context, env *cliEnv) (statusReport, error) {
	rep := statusReport{
		Home:     env.cfg.HomeDir,
		Database: env.cfg.ResolvedDBPath(),
		Daemon:   daemonState{Lock: env.cfg.LockPath()},
		Running:  []runningAction{},
	}
	rep.Daemon.PID, rep.Daemon.Running = recovery.LockHolder(rep.Daemon.Lock)

	counts, err := env.store.Counts(ctx)
	if err != nil {
		return rep, err
	}
	rep.Counts = counts

	inProgress, err := env.store.List(ctx, persistence.ActionFilter{Statuses: []persistence.Status{persistence.StatusInProgress}})
	if err != nil {
		return rep, err
	}
	for _, a := range inProgress {
		rep.Running = append(rep.Running, runningAction{ID: a.ID, Lane: string(a.Lane), Owner: a.Owner, StartedAt: a.StartedAt})
	}

	pending, err := env.store.List(ctx, persistence.ActionFilter{Statuses: []persistence.Status{persistence.StatusPending}, Limit: 1})
	if err != nil {
		return rep, err
	}
	if len(pending) > 0 {
		t := pending[0].CreatedAt
		rep.OldestPending = &t
	}

	scheds, err := env.store.ListSchedules(ctx)
	if err != nil {
		return rep, err
	}
	rep.Schedules = len(scheds)
	for _, s := range scheds {
		if s.Enabled {
			rep.EnabledSchedules++
		}
	}
	return rep, nil
}

func runStatusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status", stderr)
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	return withEnv(stderr, func(env *cliEnv) error {
		rep, err := collectStatus(ctx, env)
		if err != nil {
			return err
		}
		p := newPrinter(stdout)
		if *asJSON {
			return p.json(rep)
		}

		p.title("foreman " + Version)
		if rep.Daemon.Running {
			p.line("daemon:    running (pid %d)", rep.Daemon.PID)
		} else {
			p.line("daemon:    %s", p.dim("not running"))
		}
		p.line("home:      %s", rep.Home)
		p.line("database:  %s", rep.Database)
		p.line("schedules: %d (%d enabled)", rep.Schedules, rep.EnabledSchedules)
		if rep.OldestPending != nil {
			p.line("oldest pending: %s", age(env.store.Now(), *rep.OldestPending))
		}
		fmt.Fprintln(stdout)

		rows := make([][]string, 0, 5)
		for _, st := range []persistence.Status{
			persistence.StatusPending,
			persistence.StatusInProgress,
			persistence.StatusWaiting,
			persistence.StatusCompleted,
			persistence.StatusFailed,
		} {
			rows = append(rows, []string{string(st), fmt.Sprint(rep.Counts[st])})
		}
		p.table([]string{"STATUS", "COUNT"}, rows, 0)

		if len(rep.Running) > 0 {
			now := env.store.Now()
			running := make([][]string, 0, len(rep.Running))
			for _, r := range rep.Running {
				started := "-"
				if r.StartedAt != nil {
					started = age(now, *r.StartedAt)
				}
				running = append(running, []string{r.ID, r.Lane, r.Owner, started})
			}
			p.table([]string{"RUNNING", "LANE", "OWNER", "FOR"}, running, -1)
		}
		return nil
	})
}
