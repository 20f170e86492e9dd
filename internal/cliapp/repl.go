package cliapp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/pgbackup/pgbackup/internal/render"
)

// repl is an interactive catalog browser over show, offering instance/
// backup navigation without re-invoking the binary for every query, in
// the manner of the teacher's cmd/sloty REPL.
type repl struct {
	app     *App
	out     *IO
	liner   *liner.State
	current string // selected instance, "" means none
}

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".pgbackup_history")
}

// runREPL drives the interactive "show --interactive" command loop.
func runREPL(ctx context.Context, o *IO, app *App) error {
	r := &repl{app: app, out: o}

	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFilePath()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	o.Println("pgbackup catalog browser — type 'help' for commands")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		prompt := "pgbackup> "
		if r.current != "" {
			prompt = r.current + "> "
		}

		line, err := r.liner.Prompt(prompt)
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				o.Println("bye")
				r.saveHistory()

				return nil
			}

			return fmt.Errorf("cliapp: reading interactive input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			o.Println("bye")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "instances", "ls":
			r.cmdInstances()

		case "use":
			r.cmdUse(args)

		case "show":
			r.cmdShow(args)

		case "timeline":
			r.cmdTimeline(args)

		default:
			o.Warn(fmt.Sprintf("unknown command: %s (type 'help')", cmd))
		}
	}
}

func (r *repl) saveHistory() {
	path := historyFilePath()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		_, _ = r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *repl) completer(line string) []string {
	candidates := []string{"instances", "use", "show", "timeline", "help", "exit"}

	var out []string

	for _, c := range candidates {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}

	return out
}

func (r *repl) printHelp() {
	r.out.Println("commands:")
	r.out.Println("  instances              list known instances")
	r.out.Println("  use <instance>         select an instance")
	r.out.Println("  show [instance]        list backups for the selected (or given) instance")
	r.out.Println("  timeline <tli>         show the switchpoint of a timeline id")
	r.out.Println("  exit                   leave the browser")
}

func (r *repl) cmdInstances() {
	names, err := r.app.Catalog.Instances()
	if err != nil {
		r.out.Warn(err.Error())
		return
	}

	for _, n := range names {
		r.out.Println(n)
	}
}

func (r *repl) cmdUse(args []string) {
	if len(args) == 0 {
		r.out.Warn("usage: use <instance>")
		return
	}

	r.current = args[0]
}

func (r *repl) cmdShow(args []string) {
	instance := r.current

	if len(args) > 0 {
		instance = args[0]
	}

	if instance == "" {
		r.out.Warn("no instance selected; try 'use <instance>' or 'show <instance>'")
		return
	}

	if err := execShow(r.out, r.app, instance, render.FormatPlain); err != nil {
		r.out.Warn(err.Error())
	}
}

func (r *repl) cmdTimeline(args []string) {
	if len(args) == 0 {
		r.out.Warn("usage: timeline <id>")
		return
	}

	tli, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		r.out.Warn(fmt.Sprintf("invalid timeline id: %s", args[0]))
		return
	}

	r.out.Println("timeline", tli, "lookup requires a loaded WAL archive; not available from the catalog alone")
}
