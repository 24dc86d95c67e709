// svm - loads and runs stack machine program images
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/stackvm/manifest"
	"github.com/chazu/stackvm/pkg/bytecode"
	"github.com/chazu/stackvm/pkg/machine"
	"github.com/chazu/stackvm/pkg/runner"
	"github.com/chazu/stackvm/pkg/stackvm"
	"github.com/chazu/stackvm/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options holds the parsed command line.
type options struct {
	configDir string
	verbosity int
	trace     bool
	steps     int
	timeout   time.Duration
	storePath string
	save      string
	runName   string
	list      bool
	history   string
	paths     []string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("svm", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVar(&opts.configDir, "c", ".", "Directory to search upward for svm.toml")
	fs.IntVar(&opts.verbosity, "v", -1, "Log verbosity (overrides svm.toml)")
	fs.BoolVar(&opts.trace, "trace", false, "Log every executed instruction")
	fs.IntVar(&opts.steps, "steps", -1, "Step limit, 0 for none (overrides svm.toml)")
	fs.DurationVar(&opts.timeout, "timeout", -1, "Wall-clock limit, 0 for none (overrides svm.toml)")
	fs.StringVar(&opts.storePath, "store", "", "Program store path (overrides svm.toml)")
	fs.StringVar(&opts.save, "save", "", "Save the loaded image to the store under this name")
	fs.StringVar(&opts.runName, "run", "", "Run a program from the store")
	fs.BoolVar(&opts.list, "list", false, "List stored programs")
	fs.StringVar(&opts.history, "history", "", "Show recorded runs of a stored program")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: svm [options] [image]\n\n")
		fmt.Fprintf(stderr, "Runs a program image and prints the final stack, top first.\n")
		fmt.Fprintf(stderr, "Images ending in .cbor use the CBOR encoding; others are detected by magic.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  svm add.svbc                 # Run an image\n")
		fmt.Fprintf(stderr, "  svm -steps 1000 loop.svbc    # Stop after 1000 instructions\n")
		fmt.Fprintf(stderr, "  svm -save add add.svbc       # Store and run an image\n")
		fmt.Fprintf(stderr, "  svm -run add                 # Run a stored program\n")
		fmt.Fprintf(stderr, "  svm -list                    # List stored programs\n")
		fmt.Fprintf(stderr, "  svm -history add             # Show runs of a stored program\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.paths = fs.Args()
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	commonlog.Configure(cfg.Log.Verbosity, cfg.LogPath())

	if err := dispatch(opts, cfg, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig finds svm.toml (or falls back to defaults) and applies flag
// overrides.
func loadConfig(opts *options) (*manifest.Manifest, error) {
	cfg, err := manifest.FindAndLoad(opts.configDir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = manifest.Default()
	}

	if opts.verbosity >= 0 {
		cfg.Log.Verbosity = opts.verbosity
	}
	if opts.trace {
		cfg.Machine.Trace = true
	}
	if opts.steps >= 0 {
		cfg.Machine.StepLimit = opts.steps
	}
	if opts.timeout >= 0 {
		cfg.Machine.Timeout = manifest.Duration{Duration: opts.timeout}
	}
	if opts.storePath != "" {
		abs, err := filepath.Abs(opts.storePath)
		if err != nil {
			return nil, err
		}
		cfg.Store.Path = abs
	}
	return cfg, nil
}

func dispatch(opts *options, cfg *manifest.Manifest, stdout io.Writer) error {
	needStore := opts.list || opts.history != "" || opts.runName != "" || opts.save != ""

	switch {
	case opts.runName != "" && len(opts.paths) > 0:
		return errors.New("-run takes no image path")
	case opts.save != "" && len(opts.paths) == 0:
		return errors.New("-save needs an image path")
	case !needStore && len(opts.paths) != 1:
		return errors.New("expected exactly one image path (see -h)")
	case len(opts.paths) > 1:
		return errors.New("expected at most one image path")
	}

	var st *store.Store
	if needStore {
		var err error
		st, err = store.Open(cfg.StorePath())
		if err != nil {
			return err
		}
		defer st.Close()
	}

	if opts.list {
		if err := listPrograms(st, stdout); err != nil {
			return err
		}
	}
	if opts.history != "" {
		if err := showHistory(st, opts.history, stdout); err != nil {
			return err
		}
	}

	var (
		prog *bytecode.Program
		name string
		err  error
	)
	switch {
	case opts.runName != "":
		name = opts.runName
		prog, err = st.Get(name)
	case len(opts.paths) == 1:
		prog, err = loadImage(opts.paths[0])
		name = opts.save
		if err == nil && opts.save != "" {
			err = saveImage(st, opts.save, prog, cfg)
		}
	default:
		// -list or -history only
		return nil
	}
	if err != nil {
		return err
	}

	return execute(prog, name, cfg, st, stdout)
}

// loadImage reads and decodes an image file. Files named *.cbor are decoded
// as CBOR; anything else is detected by its leading magic.
func loadImage(path string) (*bytecode.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var prog *bytecode.Program
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		prog, err = bytecode.UnmarshalCBOR(data)
	} else {
		prog, err = bytecode.DecodeImage(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil
}

// saveImage stores prog under name once its operands pass Validate. An
// image without a memory size is stored with the configured one.
func saveImage(st *store.Store, name string, prog *bytecode.Program, cfg *manifest.Manifest) error {
	if prog.MemorySize == 0 {
		prog.MemorySize = cfg.Machine.MemorySize
	}
	if err := prog.Validate(); err != nil {
		return fmt.Errorf("not saving %s: %w", name, err)
	}
	prog.Flags |= bytecode.ImageFlagValidated
	return st.Put(name, prog)
}

// execute runs prog to completion under the configured limits, prints the
// final stack and records the run when the program came from the store.
func execute(prog *bytecode.Program, name string, cfg *manifest.Manifest, st *store.Store, stdout io.Writer) error {
	if prog.MemorySize == 0 {
		prog.MemorySize = cfg.Machine.MemorySize
	}

	vm := stackvm.FromProgram(prog)
	vm.Trace = cfg.Machine.Trace

	ctx := context.Background()
	if cfg.Machine.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Machine.Timeout.Duration)
		defer cancel()
	}

	res, runErr := runner.Run[bytecode.Instr](ctx, vm, runner.Options{MaxSteps: cfg.Machine.StepLimit})
	stack := vm.Stack()

	if st != nil && name != "" {
		status := store.RunHalted
		switch {
		case errors.Is(runErr, context.DeadlineExceeded), errors.Is(runErr, context.Canceled),
			errors.Is(runErr, machine.ErrStepLimit):
			status = store.RunCancelled
		case runErr != nil:
			status = store.RunFaulted
		}
		if _, err := st.RecordRun(name, status, vm.Steps(), stack, runErr); err != nil {
			return err
		}
	}

	if runErr != nil {
		return runErr
	}

	for i := len(stack) - 1; i >= 0; i-- {
		fmt.Fprintln(stdout, formatValue(stack[i]))
	}
	if !res.Halted {
		return errors.New("program stopped without halting")
	}
	return nil
}

func formatValue(v float64) string {
	return fmt.Sprintf("%g", v)
}

func listPrograms(st *store.Store, stdout io.Writer) error {
	infos, err := st.List()
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Fprintf(stdout, "%-20s %4d instrs %4d consts  mem %-4d %s\n",
			info.Name, info.Instructions, info.Constants, info.MemorySize,
			info.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func showHistory(st *store.Store, name string, stdout io.Writer) error {
	runs, err := st.Runs(name)
	if err != nil {
		return err
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s %s %-9s %8d steps", r.CreatedAt.Format(time.RFC3339), r.ID, r.Status, r.Steps)
		if r.Error != "" {
			line += "  " + r.Error
		} else if n := len(r.Stack); n > 0 {
			line += "  top=" + formatValue(r.Stack[n-1])
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}
