package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/davidroman0O/pipebuilder"
)

// app holds the state shared by every command once flags and config are read.
type app struct {
	configPath string
	logLevel   string

	config Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "pipebuilder",
		Short: "Render, validate, diff and run MongoDB aggregation pipelines",
		Long: `pipebuilder works with aggregation pipelines stored as Extended JSON
files of the form {"pipeline": [...], "metadata": {...}}.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"path to a YAML config file (default "+defaultConfigPath+" when present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"log level: debug, info, warn or error (overrides the config file)")

	root.AddCommand(
		a.renderCmd(),
		a.validateCmd(),
		a.diffCmd(),
		a.schemaCmd(),
		a.runCmd(),
		a.catalogCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	path, explicit := a.configPath, a.configPath != ""
	if !explicit {
		path = defaultConfigPath
	}
	cfg, err := loadConfig(path, explicit)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.config = cfg
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	a.logger.Debug("configuration loaded", "path", path, "explicit", explicit)
	return nil
}

// builderOptions routes builder diagnostics to the command logger.
func (a *app) builderOptions() []pipebuilder.Option {
	return []pipebuilder.Option{pipebuilder.WithLogger(pipebuilder.NewSlogLogger(a.logger))}
}

func (a *app) load(path string) (*pipebuilder.Builder, error) {
	b, _, err := a.loadDocument(path)
	return b, err
}

func (a *app) loadDocument(path string) (*pipebuilder.Builder, bson.D, error) {
	b, metadata, err := pipebuilder.LoadDocument(path, a.builderOptions()...)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Debug("pipeline loaded", "path", path, "stages", b.Len())
	return b, metadata, nil
}

func (a *app) renderCmd() *cobra.Command {
	var stage int
	cmd := &cobra.Command{
		Use:   "render FILE",
		Short: "Print a pipeline file using the configured indentation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.load(args[0])
			if err != nil {
				return err
			}
			var out string
			if cmd.Flags().Changed("stage") {
				out, err = b.RenderStage(stage, a.config.renderOptions()...)
			} else {
				out, err = b.Render(a.config.renderOptions()...)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().IntVar(&stage, "stage", 0, "render only the stage at this index")
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check that a pipeline file is structurally valid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.load(args[0])
			if err != nil {
				return err
			}
			if err := b.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d stages)\n", args[0], b.Len())
			return nil
		},
	}
}

func (a *app) diffCmd() *cobra.Command {
	var contextLines int
	cmd := &cobra.Command{
		Use:   "diff A B",
		Short: "Show a unified diff between two pipeline files",
		Long: `diff compares two pipelines after sorting the keys of every document,
so files that differ only in key order are reported as equal.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			left, err := a.load(args[0])
			if err != nil {
				return err
			}
			right, err := a.load(args[1])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("unified") {
				contextLines = a.config.Diff.ContextLines
			}
			diff, err := left.CompareWith(right, contextLines)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), diff)
			if diff == pipebuilder.NoDifferences {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&contextLines, "unified", "U", 3, "lines of context around each change")
	return cmd
}

func (a *app) schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of pipeline files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := pipebuilder.FileSchemaJSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
