// Toolhost manages connections to external tool servers.
//
// It registers servers declared in a YAML config on demand, discovers
// what each one provides, and routes calls to the right server. The CLI
// is a thin operator surface over the host:
//
//	toolhost servers                      List configured servers and session states
//	toolhost tools <server>               Register a server and list its components
//	toolhost call <server> <name> [json]  Call a component by qualified name
//	toolhost status [server]              Show session status and recent events
//	toolhost version                      Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgeline/toolhost/internal/buildinfo"
	"github.com/forgeline/toolhost/internal/config"
	"github.com/forgeline/toolhost/internal/host"
	"github.com/forgeline/toolhost/internal/journal"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// shutdownGrace bounds how long we wait for sessions to close on exit.
const shutdownGrace = 10 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit and os.Args out of the application logic so the full lifecycle
// can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the toolhost command. Arguments are
// parsed by hand: the flag package relies on package-level globals,
// which interfere with calling run() concurrently from tests, and the
// argument surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var logLevel string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config":
			if i+1 >= len(args) {
				return fmt.Errorf("-config requires a path")
			}
			i++
			configPath = args[i]
		case "-log-level":
			if i+1 >= len(args) {
				return fmt.Errorf("-log-level requires a value")
			}
			i++
			logLevel = args[i]
		default:
			command = args[i]
			cmdArgs = args[i+1:]
			i = len(args)
		}
	}

	if command == "" {
		return fmt.Errorf("usage: toolhost [-config path] [-log-level level] <servers|tools|call|status|version>")
	}

	if command == "version" {
		for k, v := range buildinfo.Info() {
			fmt.Fprintf(stdout, "%s: %s\n", k, v)
		}
		return nil
	}

	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	opts := []host.Option{}
	var jnl *journal.Journal
	if cfg.JournalPath != "" {
		db, err := sql.Open("sqlite3", cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()
		jnl, err = journal.New(db)
		if err != nil {
			return fmt.Errorf("init journal: %w", err)
		}
		opts = append(opts, host.WithRecorder(jnl))
	}

	h := host.New(cfg, logger, opts...)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = h.Shutdown(shutCtx)
	}()

	switch command {
	case "servers":
		return cmdServers(stdout, cfg, h)
	case "tools":
		return cmdTools(ctx, stdout, h, cmdArgs)
	case "call":
		return cmdCall(ctx, stdout, h, cmdArgs)
	case "status":
		return cmdStatus(stdout, h, jnl, cmdArgs)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// cmdServers lists configured servers alongside any live session state.
func cmdServers(stdout io.Writer, cfg *config.Config, h *host.Host) error {
	active := make(map[string]string)
	for _, a := range h.ListActive() {
		active[a.Name] = string(a.State)
	}

	for name, sd := range cfg.Servers {
		state := active[name]
		if state == "" {
			state = "unregistered"
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", name, sd.Kind, state)
	}
	return nil
}

// cmdTools registers one server and prints its visible components.
func cmdTools(ctx context.Context, stdout io.Writer, h *host.Host, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: toolhost tools <server>")
	}
	server := args[0]

	if _, err := h.EnsureRegistered(ctx, server); err != nil {
		return err
	}

	policy := host.AccessPolicy{AllowedServers: []string{server}}
	for _, e := range h.ListVisible(policy) {
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", e.QualifiedName, e.Kind, e.Description)
	}
	return nil
}

// cmdCall registers the server and dispatches one call.
func cmdCall(ctx context.Context, stdout io.Writer, h *host.Host, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: toolhost call <server> <qualified-name> [json-args]")
	}
	server, name := args[0], args[1]

	callArgs := map[string]any{}
	if len(args) == 3 {
		if err := json.Unmarshal([]byte(args[2]), &callArgs); err != nil {
			return fmt.Errorf("parse call arguments: %w", err)
		}
	}

	if _, err := h.EnsureRegistered(ctx, server); err != nil {
		return err
	}

	policy := host.AccessPolicy{AllowedServers: []string{server}}
	result, err := h.Call(ctx, name, callArgs, policy, 0)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, result.Value)
	return nil
}

// cmdStatus prints session status and, when a journal is configured,
// recent lifecycle events.
func cmdStatus(stdout io.Writer, h *host.Host, jnl *journal.Journal, args []string) error {
	var server string
	if len(args) > 0 {
		server = args[0]
	}

	if server != "" {
		st, err := h.StatusOf(server)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\t%s\tentries=%d\tprotocol=%s\n",
			st.Server, st.State, st.Entries, st.ProtocolVersion)
		if st.LastError != "" {
			fmt.Fprintf(stdout, "last error: %s\n", st.LastError)
		}
	} else {
		for _, a := range h.ListActive() {
			fmt.Fprintf(stdout, "%s\t%s\n", a.Name, a.State)
		}
	}

	if jnl != nil {
		entries, err := jnl.Recent(server, 20)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n",
				e.At.Format(time.RFC3339), e.Server, e.Event, e.Detail)
		}
	}
	return nil
}
