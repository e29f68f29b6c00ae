// Command pdfcombine assembles one PDF from pages of other PDFs and images.
// It reads a JSON request and prints a JSON result on stdout; diagnostics go
// to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/wudi/pdfcombine/config"
	"github.com/wudi/pdfcombine/merge"
	"github.com/wudi/pdfcombine/observability"
)

// errFailed is returned once the failure result has been printed.
var errFailed = errors.New("merge failed")

type options struct {
	requestFile string
	configFile  string
	logLevel    string
	logFormat   string
	progress    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "pdfcombine: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "pdfcombine [flags] [REQUEST_JSON]",
		Short: "Combine pages from PDFs and images into one PDF",
		Long: `pdfcombine assembles a new PDF from an ordered list of page references.
Each page can be rotated and optionally scaled to a common visual width.

The request is read from the first argument, from --request FILE, or from
stdin when neither is given (or FILE is "-").`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args, stdin, stdout, stderr)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.requestFile, "request", "r", "", "read the request from FILE (- for stdin)")
	f.StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "", "log format (json or console)")
	f.BoolVar(&opts.progress, "progress", false, "show a progress bar on stderr")
	return cmd
}

func run(ctx context.Context, opts options, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.configFile, ".env")
	if err != nil {
		return fail(stdout, nil, fmt.Errorf("load config: %w", err))
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	logger := observability.NewZerolog(observability.LogConfig{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  stderr,
		Service: "pdfcombine",
	})

	data, err := readRequest(opts.requestFile, args, stdin)
	if err != nil {
		return fail(stdout, nil, err)
	}
	req, err := merge.ParseRequest(data)
	if err != nil {
		return fail(stdout, nil, err)
	}

	engine := merge.NewEngine(cfg, logger)
	if opts.progress {
		var bar *progressbar.ProgressBar
		engine.OnProgress(func(done, total int) {
			if bar == nil {
				bar = newProgressBar(total, stderr)
			}
			_ = bar.Set(done)
		})
	}

	res, err := engine.Run(ctx, req)
	if err != nil {
		logger.Error("merge failed", observability.Error("error", err))
		return fail(stdout, res, err)
	}
	return writeResult(stdout, res)
}

func readRequest(file string, args []string, stdin io.Reader) ([]byte, error) {
	switch {
	case len(args) == 1 && file != "":
		return nil, errors.New("give the request either as an argument or with --request, not both")
	case len(args) == 1:
		return []byte(args[0]), nil
	case file == "" || file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read request from stdin: %w", err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil, errors.New("no input data provided")
		}
		return data, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	return data, nil
}

func newProgressBar(total int, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("combining"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("pages"),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
	)
}

// fail prints the failure result, keeping any failed files already known.
func fail(stdout io.Writer, partial *merge.Result, err error) error {
	res := merge.Failure(err)
	if partial != nil {
		res.FailedFiles = partial.FailedFiles
	}
	if werr := writeResult(stdout, res); werr != nil {
		return werr
	}
	return errFailed
}

func writeResult(w io.Writer, res *merge.Result) error {
	return json.NewEncoder(w).Encode(res)
}
