package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/ironhelm/helmsman/internal/adapter/postgres"
	"github.com/ironhelm/helmsman/internal/config"
	"github.com/ironhelm/helmsman/internal/domain"
	"github.com/ironhelm/helmsman/internal/domain/session"
	"github.com/ironhelm/helmsman/internal/store"
)

// runAdmin dispatches admin subcommands (list-sessions, show-session).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "list-sessions":
		return runAdminListSessions(args[1:])
	case "show-session":
		return runAdminShowSession(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: helmsman admin <command> [options]

Commands:
  list-sessions    List all persisted sessions
  show-session     Show one session's control state
  help             Show this help message

Examples:
  helmsman admin list-sessions
  helmsman admin show-session --id s-00000001
`)
}

func loadAdminDeps(ctx context.Context) (*postgres.GraphStore, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	cleanup := func() { pool.Close() }
	return postgres.NewGraphStore(pool), cfg, cleanup, nil
}

func runAdminListSessions(args []string) error {
	fs := flag.NewFlagSet("list-sessions", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	graphStore, _, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	ids, err := graphStore.ListSessionIDs(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION ID")
	for _, id := range ids {
		fmt.Fprintln(w, strings.TrimPrefix(id, "session:"))
	}
	return w.Flush()
}

func runAdminShowSession(args []string) error {
	fs := flag.NewFlagSet("show-session", flag.ContinueOnError)
	id := fs.String("id", "", "session id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" && term.IsTerminal(int(syscall.Stdin)) {
		// Interactive fallback when run by hand without flags.
		fmt.Fprint(os.Stderr, "session id: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read session id: %w", err)
		}
		*id = strings.TrimSpace(line)
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	ctx := context.Background()
	graphStore, cfg, cleanup, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	entities, _, err := graphStore.LoadGraph(ctx, *id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if len(entities) == 0 {
		return fmt.Errorf("session %q: %w", *id, domain.ErrNotFound)
	}

	st := store.DecodeSession(*id, entities, session.New(*id, cfg.Reasoning.Initial))
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
