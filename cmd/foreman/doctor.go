package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/doctor"
	"github.com/charmbracelet/lipgloss"
)

var doctorIcons = map[string]struct {
	icon  string
	color lipgloss.Color
}{
	doctor.StatusPass: {"✔", lipgloss.Color("42")},
	doctor.StatusFail: {"✘", lipgloss.Color("196")},
	doctor.StatusWarn: {"!", lipgloss.Color("214")},
	doctor.StatusSkip: {"-", lipgloss.Color("240")},
}

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("doctor", stderr)
	asJSON := fs.Bool("json", false, "print the diagnosis as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		// Diagnose anyway; the config check reports it too.
	}

	diag := doctor.Run(ctx, &cfg, Version)
	p := newPrinter(stdout)
	if *asJSON {
		if err := p.json(diag); err != nil {
			fmt.Fprintf(stderr, "error encoding json: %v\n", err)
			return 1
		}
	} else {
		p.title(fmt.Sprintf("Foreman Doctor Report (%s)", diag.Timestamp.Format(time.RFC3339)))
		p.line("System: %s/%s (%s) %s", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
		p.line("---")
		for _, res := range diag.Results {
			mark := doctorIcons[res.Status]
			icon := p.r.NewStyle().Foreground(mark.color).Render(mark.icon)
			p.line("%s %-15s %s", icon, res.Name, res.Message)
			if res.Detail != "" {
				p.line("    %s", p.dim(res.Detail))
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
