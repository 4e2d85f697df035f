package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/nconklindev/linkrefresh/internal/config"
	"github.com/nconklindev/linkrefresh/internal/excel"
	"github.com/nconklindev/linkrefresh/internal/logging"
	"github.com/nconklindev/linkrefresh/internal/refresher"
	"github.com/nconklindev/linkrefresh/internal/types"
	"github.com/nconklindev/linkrefresh/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// options holds the flags shared by every command.
type options struct {
	configPath string
	root       string
	skip       []string
	suppress   bool
	exclude    []string
	engine     string
	logFile    string
	logLevel   string
}

// session is everything a command needs to start runs.
type session struct {
	ctx    context.Context
	run    types.RunConfig
	worker *refresher.Worker
	closer io.Closer
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "linkrefresh",
		Short: "Refresh external links in every workbook under a folder",
		Long: `linkrefresh opens every .xlsx and .xls file under a folder (including
subfolders) in a spreadsheet engine, saves it, and closes it, so that links
to other workbooks are refreshed.`,
		Version:       fmt.Sprintf("%s\ncommit: %s\nbuilt: %s", version, commit, date),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd, opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Config file (default: <user config dir>/linkrefresh/config.yaml)")
	flags.StringVar(&opts.root, "root", "", "Folder to refresh")
	flags.StringSliceVar(&opts.skip, "skip", nil, "Workbook to leave untouched (repeatable)")
	flags.BoolVar(&opts.suppress, "no-link-prompt", false, "Suppress the link-update prompt when opening workbooks")
	flags.StringSliceVar(&opts.exclude, "exclude", nil, "Glob relative to the root of files that are not workbooks to refresh (repeatable)")
	flags.StringVar(&opts.engine, "engine", "", fmt.Sprintf("Spreadsheet engine %v (default %q)", excel.Engines(), excel.DefaultEngine()))
	flags.StringVar(&opts.logFile, "log-file", "", "Append diagnostic logs to this file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Diagnostic log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newLinksCommand(opts))

	return rootCmd
}

// resolve merges the config file with the flags that were set explicitly.
func (o *options) resolve(cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{}
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath, true)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if path, err := config.DefaultPath(); err == nil {
		loaded, err := config.Load(path, false)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = o.root
	}
	if flags.Changed("skip") {
		cfg.Skip = o.skip
	}
	if flags.Changed("no-link-prompt") {
		cfg.SuppressLinkPrompt = o.suppress
	}
	if flags.Changed("exclude") {
		cfg.Exclude = o.exclude
	}
	if flags.Changed("engine") {
		cfg.Engine = o.engine
	}
	if flags.Changed("log-file") {
		cfg.LogFile = o.logFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if cfg.Engine == "" {
		cfg.Engine = excel.DefaultEngine()
	}
	return cfg, nil
}

func (o *options) session(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := o.resolve(cmd)
	if err != nil {
		return nil, err
	}

	run, err := cfg.RunConfig()
	if err != nil {
		return nil, err
	}

	launch, err := excel.Launcher(run.Engine)
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("version", version).Str("engine", run.Engine).Msg("session started")

	return &session{
		ctx:    logger.WithContext(ctx),
		run:    run,
		worker: refresher.New(launch),
		closer: closer,
	}, nil
}

func runTUI(cmd *cobra.Command, opts *options) error {
	s, err := opts.session(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.closer.Close()

	model := ui.InitialModel(ui.Options{
		Worker:   s.worker,
		Context:  s.ctx,
		Defaults: s.run,
		Version:  version,
	})

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	final, err := p.Run()
	if m, ok := final.(ui.Model); ok {
		m.Wait()
	}
	if err != nil {
		return errors.Errorf("running interface: %w", err)
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt)
}
