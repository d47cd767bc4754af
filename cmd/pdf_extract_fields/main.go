package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-fields/internal/crf"
	"github.com/a3tai/mcp-pdf-fields/internal/fields"
	"github.com/a3tai/mcp-pdf-fields/internal/logging"
	"github.com/a3tai/mcp-pdf-fields/internal/service"
	"github.com/a3tai/mcp-pdf-fields/internal/store"
	"github.com/a3tai/mcp-pdf-fields/internal/template"
)

type options struct {
	template  string // template id or template file
	templates string // template directory
	state     string // learned state directory, optional
	format    string
	logLevel  string
	pdfPath   string
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("pdf_extract_fields", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVarP(&opts.template, "template", "t", "", "Template id, or path to a template YAML/JSON file")
	fs.StringVar(&opts.templates, "templates", "", "Directory containing template files")
	fs.StringVar(&opts.state, "state", "", "Directory with a trained model and learned rules (optional)")
	fs.StringVarP(&opts.format, "format", "f", "json", "Output format: json, text")
	fs.StringVar(&opts.logLevel, "loglevel", "warn", "Log level (debug, info, warn, error)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "PDF Extract Fields - run a template over one PDF and print the fields\n\n")
		fmt.Fprintf(stderr, "USAGE:\n  pdf_extract_fields --template=<id|file> [options] <pdf-file>\n\n")
		fmt.Fprintf(stderr, "OPTIONS:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(stderr, "  pdf_extract_fields -t templates/intake.yaml scans/patient.pdf\n")
		fmt.Fprintf(stderr, "  pdf_extract_fields -t intake --templates=templates --state=.fields -f text scans/patient.pdf\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("exactly one PDF file path required")
	}
	if opts.template == "" {
		return nil, errors.New("--template is required")
	}
	if opts.format != "json" && opts.format != "text" {
		return nil, fmt.Errorf("invalid format: %s (must be one of: json, text)", opts.format)
	}
	opts.pdfPath = fs.Arg(0)
	return opts, nil
}

// resolveTemplate loads the template from a file when the flag names one, otherwise looks the
// id up in the template directory
func resolveTemplate(opts *options) (*fields.Template, error) {
	if info, err := os.Stat(opts.template); err == nil && !info.IsDir() {
		return template.LoadFile(opts.template)
	}
	if opts.templates == "" {
		return nil, fmt.Errorf("template %q is not a file and no --templates directory was given", opts.template)
	}
	reg := template.NewRegistry(nil)
	if _, err := reg.LoadDir(opts.templates); err != nil {
		return nil, err
	}
	t, ok := reg.Get(opts.template)
	if !ok {
		return nil, fmt.Errorf("template %q not found in %s", opts.template, opts.templates)
	}
	return t, nil
}

// extract runs one extraction. With a state directory the learned rules and the model are
// used read-only.
func extract(ctx context.Context, opts *options, source service.DocumentSource, logger *zap.Logger) (*fields.ExtractionResult, error) {
	tmpl, err := resolveTemplate(opts)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(opts.pdfPath)
	if err != nil {
		return nil, err
	}

	var (
		st    store.Store = store.NewMemory()
		model *crf.Handle
	)
	if opts.state != "" {
		if st, err = store.OpenSQLite(filepath.Join(opts.state, "fields.db")); err != nil {
			return nil, err
		}
		model = crf.NewHandle(filepath.Join(opts.state, "tagger.json"), logger)
	}
	defer st.Close()

	cfg := service.DefaultConfig(filepath.Dir(abs), "")
	var svc *service.Service
	if source == nil {
		svc, err = service.New(cfg, st, model, logger)
	} else {
		svc, err = service.NewWithSource(cfg, st, model, source, logger)
	}
	if err != nil {
		return nil, err
	}
	svc.AddTemplate(tmpl)
	return svc.Extract(ctx, abs, tmpl.ID)
}

func writeResult(w io.Writer, format string, result *fields.ExtractionResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	names := make([]string, 0, len(result.ExtractedData))
	for name := range result.ExtractedData {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "Template: %s\n", result.TemplateID)
	if result.Metadata.ModelVersion > 0 {
		fmt.Fprintf(w, "Model version: %d\n", result.Metadata.ModelVersion)
	}
	fmt.Fprintln(w)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %q\n", name, result.ExtractedData[name])
		fmt.Fprintf(w, "    confidence %.2f via %s\n", result.ConfidenceScores[name], result.ExtractionMethods[name])
		if c, ok := result.Conflicts[name]; ok {
			fmt.Fprintf(w, "    conflict %s across %d locations", c.Level, len(c.Candidates))
			if c.RequiresValidation {
				fmt.Fprint(w, ", needs validation")
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	logger, err := logging.New(opts.logLevel, logging.FormatConsole)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	result, err := extract(context.Background(), opts, nil, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error extracting fields: %v\n", err)
		return 1
	}
	if err := writeResult(stdout, opts.format, result); err != nil {
		fmt.Fprintf(stderr, "Error writing results: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
