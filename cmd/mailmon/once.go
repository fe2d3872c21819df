package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/emx-mail/mailmon/pkgs/config"
	"github.com/emx-mail/mailmon/pkgs/monitor"
)

var onceCmd = &cobra.Command{
	Use:   "once [config]",
	Short: "Run a single check of every target and exit",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOnce,
}

var previewCmd = &cobra.Command{
	Use:   "preview [config]",
	Short: "Write the probe messages as an mbox without sending them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPreview,
}

type selectOptions struct {
	targets []string
}

type onceOptions struct {
	selectOptions
	strict bool
}

type previewOptions struct {
	selectOptions
	output  string
	snippet string
}

var (
	onceOpts    onceOptions
	previewOpts previewOptions
)

func (o *selectOptions) register(fs *flag.FlagSet) {
	fs.StringSliceVar(&o.targets, "target", nil, "Only check the named targets (repeatable)")
}

func init() {
	onceOpts.register(onceCmd.Flags())
	onceCmd.Flags().BoolVar(&onceOpts.strict, "strict", false, "Exit non-zero unless every probe was delivered to the inbox")

	previewOpts.register(previewCmd.Flags())
	previewCmd.Flags().StringVarP(&previewOpts.output, "output", "o", "", "Output file (default: stdout)")
	previewCmd.Flags().StringVar(&previewOpts.snippet, "snippet", "", "Snippet text to use instead of fetching one")
}

// filter returns the configured targets restricted to the selected names.
func (o *selectOptions) filter(cfg *config.Config) ([]config.TargetConfig, error) {
	if len(o.targets) == 0 {
		return cfg.Targets, nil
	}
	byName := make(map[string]config.TargetConfig, len(cfg.Targets))
	for _, t := range cfg.Targets {
		byName[t.Name] = t
	}
	selected := make([]config.TargetConfig, 0, len(o.targets))
	for _, name := range o.targets {
		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown target %q", name)
		}
		selected = append(selected, t)
	}
	return selected, nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	store, err := loadStore(args, logger)
	if err != nil {
		return err
	}
	targets, err := onceOpts.filter(store.Current())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := monitor.New(store, monitor.WithLogger(logger))
	outcomes := coord.RunOnce(ctx, targets, coord.Snippet(ctx))

	if onceOpts.strict {
		failed := 0
		for _, out := range outcomes {
			if !out.Up() {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d targets not delivered", failed, len(outcomes))
		}
	}
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	path, err := configPath(args)
	if err != nil {
		return err
	}
	// Preview never connects, so keyring secrets are not needed.
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("error while reading the configuration file: %w", err)
	}
	targets, err := previewOpts.filter(cfg)
	if err != nil {
		return err
	}

	coord := monitor.New(monitor.Static(cfg), monitor.WithLogger(logger))
	text := previewOpts.snippet
	if text == "" {
		text = coord.Snippet(cmd.Context())
	}

	out := os.Stdout
	if previewOpts.output != "" {
		f, err := os.Create(previewOpts.output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	return coord.Preview(out, targets, text)
}
