package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/quill/internal/graph"
)

func runTemplateNoun(args []string) int {
	if len(args) < 1 {
		printTemplateNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTemplateNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "validate":
		return runTemplateValidate(actionArgs)
	case "import":
		return runTemplateImport(actionArgs)
	case "list":
		return runTemplateList(actionArgs)
	case "show":
		return runTemplateShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown template action: %s\n", action)
		return 1
	}
}

func printTemplateNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: quill template <action> [flags]

Actions:
  validate <file|dir>        Parse templates and check their step graphs
  import <file|dir>          Store templates in the state database
  list [--json]              List stored templates
  show <id[@version]>        Print a stored template (--json for JSON)
`)
}

func runTemplateValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: quill template validate <file|dir>")
		return 1
	}

	tmpls, err := loadTemplateArg(pos[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		return 1
	}
	code := 0
	for _, t := range tmpls {
		g, err := graph.Build(t)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", t.ID, err)
			code = 1
			continue
		}
		layers := make([]string, 0, len(g.Layers()))
		for _, layer := range g.Layers() {
			layers = append(layers, "["+strings.Join(layer, " ")+"]")
		}
		fmt.Printf("OK   %s (%d steps) %s\n", t.Key(), g.Len(), strings.Join(layers, " -> "))
	}
	return code
}

func runTemplateImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: quill template import <file|dir>... [--config path]")
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	code := 0
	for _, p := range pos {
		tmpls, err := loadTemplateArg(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", p, err)
			code = 1
			continue
		}
		for _, t := range tmpls {
			if _, err := a.svc.ImportTemplate(ctx, t); err != nil {
				fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", t.Key(), err)
				code = 1
				continue
			}
			fmt.Printf("imported %s\n", t.Key())
		}
	}
	return code
}

func runTemplateList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
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

	tmpls, err := a.svc.ListTemplates(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(tmpls)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tSTEPS\tINPUTS\tDESCRIPTION")
	for _, t := range tmpls {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.ID, t.Version, len(t.Steps), strings.Join(t.Inputs, ","), t.Description)
	}
	_ = tw.Flush()
	return 0
}

func runTemplateShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return 1
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: quill template show <id[@version]> [--json]")
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	t, err := a.svc.FindTemplate(ctx, pos[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(t)
	}
	out, err := yaml.Marshal(t)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Print(string(out))
	return 0
}
