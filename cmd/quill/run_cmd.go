package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/service"
	"github.com/mattjoyce/quill/internal/template"
	"github.com/mattjoyce/quill/internal/tui/progress"
)

// Exit codes for run commands.
const (
	exitFailed    = 1
	exitCancelled = 130
)

func runRunNoun(args []string) int {
	if len(args) < 1 {
		printRunNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRunNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		return runRunStart(actionArgs)
	case "show":
		return runRunShow(actionArgs)
	case "list":
		return runRunList(actionArgs)
	case "retry":
		return runRunRetry(actionArgs)
	case "cancel":
		return runRunCancel(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown run action: %s\n", action)
		return 1
	}
}

func printRunNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: quill run <action> [flags]

Actions:
  start --template <ref|file> [--input k=v]... [--watch] [--json]
  show <id> [--json]
  list [--limit n] [--json]
  retry <id> --from <step> [--skip-failed] [--watch] [--json]
  cancel <id> --api <url> [--token t]

Ctrl-C during start or retry cancels the run; a second Ctrl-C aborts
in-flight steps.
`)
}

type followOptions struct {
	watch   bool
	jsonOut bool
}

func runRunStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	templateArg := fs.String("template", "", "Stored template ref (id or id@version) or a template file")
	inputs := kvFlags{}
	fs.Var(inputs, "input", "Input as key=value (repeatable)")
	var opts followOptions
	fs.BoolVar(&opts.watch, "watch", false, "Show a live progress view")
	fs.BoolVar(&opts.jsonOut, "json", false, "Print the final run as JSON")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}
	if *templateArg == "" {
		fmt.Fprintln(os.Stderr, "Usage: quill run start --template <ref|file> [--input k=v]...")
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	var tmpl *template.Template
	if info, statErr := os.Stat(*templateArg); statErr == nil && !info.IsDir() {
		tmpl, err = template.Load(*templateArg)
	} else {
		tmpl, err = a.svc.FindTemplate(ctx, *templateArg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	h, err := a.svc.ExecuteTemplate(ctx, tmpl, inputs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return follow(a, h, tmpl.StepIDs(), opts)
}

func runRunRetry(args []string) int {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	from := fs.String("from", "", "Step to re-run from")
	skipFailed := fs.Bool("skip-failed", false, "Mark unrelated failed steps skipped instead of re-running them")
	var opts followOptions
	fs.BoolVar(&opts.watch, "watch", false, "Show a live progress view")
	fs.BoolVar(&opts.jsonOut, "json", false, "Print the final run as JSON")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 || *from == "" {
		fmt.Fprintln(os.Stderr, "Usage: quill run retry <id> --from <step> [--skip-failed]")
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	orig, err := a.svc.FindRun(ctx, pos[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	h, err := a.svc.Retry(ctx, orig.ID, *from, *skipFailed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "retrying %s as %s\n", orig.ID, h.RunID)
	return follow(a, h, orig.Order, opts)
}

// follow reports progress until the run settles and prints the result.
func follow(a *app, h *service.Handle, order []string, opts followOptions) int {
	intr := &interrupter{
		cancel: func() {
			fmt.Fprintln(os.Stderr, "cancelling run (press Ctrl-C again to abort in-flight steps)")
			_ = a.svc.Cancel(h.RunID)
		},
		abort: func() {
			// An expired context makes Shutdown abort immediately.
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			go func() { _ = a.svc.Shutdown(ctx) }()
		},
	}
	stop := intr.notify()
	defer stop()

	if opts.watch {
		if _, err := progress.Run(h.RunID, order, h.Progress(), intr.Interrupt); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	} else {
		printProgress(os.Stderr, h.Progress())
	}

	final, err := h.Wait()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if opts.jsonOut {
		printJSON(final)
	} else {
		printRun(os.Stdout, final, true)
	}
	return exitCode(final.Status)
}

func printProgress(w io.Writer, updates <-chan pipeline.Progress) {
	for p := range updates {
		if p.StepID == "" {
			fmt.Fprintf(w, "run %s %s\n", p.RunID, p.RunStatus)
			continue
		}
		fmt.Fprintf(w, "  %-20s %-9s %d/%d\n", p.StepID, p.StepStatus, p.Settled, p.Total)
	}
}

func exitCode(s pipeline.RunStatus) int {
	switch s {
	case pipeline.RunCompleted:
		return 0
	case pipeline.RunCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

func printRun(w io.Writer, r pipeline.Run, outputs bool) {
	fmt.Fprintf(w, "Run:      %s\n", r.ID)
	fmt.Fprintf(w, "Template: %s@%s\n", r.TemplateID, r.TemplateVersion)
	fmt.Fprintf(w, "Status:   %s\n", r.Status)
	if r.RetriedFrom != "" {
		fmt.Fprintf(w, "Retry of: %s\n", r.RetriedFrom)
	}
	if r.StartedAt != nil && r.CompletedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", r.CompletedAt.Sub(*r.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tATTEMPTS\tMODEL\tERROR")
	for _, id := range r.Order {
		s := r.Steps[id]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", id, s.Status, s.Attempts, s.Model, s.Error)
	}
	_ = tw.Flush()

	if !outputs {
		return
	}
	for _, id := range r.Order {
		s := r.Steps[id]
		if s.Status != pipeline.StepCompleted {
			continue
		}
		fmt.Fprintf(w, "\n== %s ==\n%s\n", id, strings.TrimRight(s.Output, "\n"))
	}
}

func runRunShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: quill run show <id> [--json]")
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	r, err := a.svc.FindRun(ctx, pos[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(r)
	}
	printRun(os.Stdout, r, true)
	return 0
}

func runRunList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 0, "Maximum runs to show (default 50)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	runs, err := a.svc.ListRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(runs)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTEMPLATE\tSTATUS\tSTEPS\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s@%s\t%s\t%d/%d\t%s\n",
			r.ID, r.TemplateID, r.TemplateVersion, r.Status,
			r.Count(pipeline.StepCompleted), len(r.Order),
			r.CreatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
	return 0
}

func runRunCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "Base URL of a running quill server")
	token := fs.String("token", os.Getenv("QUILL_TOKEN"), "Bearer token (default $QUILL_TOKEN)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: quill run cancel <id> [--api url] [--token t]")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newClient(*apiURL, *token)
	if err := c.cancelRun(ctx, pos[0]); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusConflict {
			fmt.Fprintf(os.Stderr, "Run %s is not active\n", pos[0])
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("cancel requested for %s\n", pos[0])
	return 0
}
