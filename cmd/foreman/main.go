package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: foreman <command> [flags]

DAEMON:
  foreman run                 Start the orchestrator (default when no command is given)

QUEUE:
  foreman push [flags] <text> Enqueue an action
                              Flags: -lane user|autonomy, -priority N, -channel, -session, -target, -json
  foreman cancel <id>         Request cancellation of an action
  foreman clear [-reason r]   Fail every pending action and cancel running ones
  foreman list [flags]        List actions
                              Flags: -status s[,s], -lane l, -limit N, -json
  foreman status [-json]      Show queue counts and daemon lock state

SCHEDULES:
  foreman schedule add -name n -cron "expr" [-priority N] <text>
  foreman schedule list [-json]
  foreman schedule remove <id|name>
  foreman schedule enable|disable <id|name>

MAINTENANCE:
  foreman init                Write the default config.yaml
  foreman doctor [-json]      Run diagnostic checks
  foreman version             Print the version

ENVIRONMENT VARIABLES:
  FOREMAN_HOME            Data directory (default: ~/.foreman)
  FOREMAN_LOG_LEVEL       debug, info, warn or error
  GEMINI_API_KEY          Enables the Gemini oracle
  TELEGRAM_BOT_TOKEN      Enables the Telegram channel
`)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// dispatch routes a command line to its subcommand and returns the exit
// code. Usage errors exit 2.
func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return runDaemon(ctx, nil, stderr)
	}
	cmd, rest := strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "foreman %s\n", Version)
		return 0
	case "run", "daemon":
		return runDaemon(ctx, rest, stderr)
	case "init":
		return runInitCommand(rest, stdout, stderr)
	case "push":
		return runPushCommand(ctx, rest, stdout, stderr)
	case "cancel":
		return runCancelCommand(ctx, rest, stdout, stderr)
	case "clear":
		return runClearCommand(ctx, rest, stdout, stderr)
	case "list", "ls":
		return runListCommand(ctx, rest, stdout, stderr)
	case "status":
		return runStatusCommand(ctx, rest, stdout, stderr)
	case "schedule", "schedules":
		return runScheduleCommand(ctx, rest, stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
}

// fatalStartup reports a startup failure with a machine-readable reason code
// and exits.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	}
	fmt.Fprintf(
		os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
	os.Exit(1)
}

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
