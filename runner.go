package pipebuilder

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Aggregator runs an aggregation pipeline. *mongo.Collection satisfies it.
type Aggregator interface {
	Aggregate(ctx context.Context, pipeline any, opts ...options.Lister[options.AggregateOptions]) (*mongo.Cursor, error)
}

// RunnerFunc is the core function type for executing a pipeline.
type RunnerFunc func(ctx context.Context, agg Aggregator, pipeline mongo.Pipeline, logger Logger) (*mongo.Cursor, error)

// Middleware represents a function that wraps pipeline execution.
// Middleware can perform actions before and after the aggregate call,
// modify the context, or short-circuit execution entirely.
type Middleware func(next RunnerFunc) RunnerFunc

// RunOptions controls how the runner calls Aggregate.
type RunOptions struct {
	// Validate runs Builder.Validate before executing.
	Validate bool
	// AllowDiskUse lets the server spill large stages to disk.
	AllowDiskUse bool
	// BatchSize sets the cursor batch size when positive.
	BatchSize int32
}

// DefaultRunOptions returns the options used by NewRunner.
func DefaultRunOptions() RunOptions {
	return RunOptions{Validate: true}
}

// Runner executes built pipelines and manages the execution chain.
// It is safe for concurrent use once configured.
type Runner struct {
	// Middleware chain to apply during execution
	middleware []Middleware
	// defaultLogger used for every run
	defaultLogger Logger
	// Options for execution
	options RunOptions
}

// RunnerOption is a function that configures a Runner
type RunnerOption func(*Runner)

// WithMiddleware adds middleware to the runner
func WithMiddleware(middleware ...Middleware) RunnerOption {
	return func(r *Runner) {
		r.middleware = append(r.middleware, middleware...)
	}
}

// WithRunnerLogger sets the logger for the runner
func WithRunnerLogger(logger Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.defaultLogger = logger
		}
	}
}

// WithRunOptions sets the run options for the runner
func WithRunOptions(options RunOptions) RunnerOption {
	return func(r *Runner) {
		r.options = options
	}
}

// NewRunner creates a new pipeline runner with the given options
func NewRunner(opts ...RunnerOption) *Runner {
	runner := &Runner{
		middleware:    []Middleware{},
		defaultLogger: NewDefaultLogger(),
		options:       DefaultRunOptions(),
	}

	for _, opt := range opts {
		opt(runner)
	}

	return runner
}

// Use adds middleware to the runner's middleware chain. It must not be
// called concurrently with Run.
func (r *Runner) Use(middleware ...Middleware) {
	r.middleware = append(r.middleware, middleware...)
}

// Run builds b, validates it when enabled, and executes it through the
// middleware chain. The caller owns the returned cursor.
func (r *Runner) Run(ctx context.Context, agg Aggregator, b *Builder) (*mongo.Cursor, error) {
	if b == nil {
		return nil, typeError("Run", "builder cannot be nil")
	}
	if agg == nil {
		return nil, typeError("Run", "aggregator cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pipeline, err := b.Build()
	if err != nil {
		return nil, err
	}
	if r.options.Validate {
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}

	var handler RunnerFunc = r.execute

	// Apply middleware in reverse order
	for i := len(r.middleware) - 1; i >= 0; i-- {
		handler = r.middleware[i](handler)
	}

	return handler(ctx, agg, pipeline, r.defaultLogger)
}

// All runs b and decodes every result document into results, which must be
// a pointer to a slice.
func (r *Runner) All(ctx context.Context, agg Aggregator, b *Builder, results any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cursor, err := r.Run(ctx, agg, b)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	if err := cursor.All(ctx, results); err != nil {
		return fmt.Errorf("decode results: %w", err)
	}
	return nil
}

// execute is the core execution logic
func (r *Runner) execute(ctx context.Context, agg Aggregator, pipeline mongo.Pipeline, logger Logger) (*mongo.Cursor, error) {
	opts := options.Aggregate()
	if r.options.AllowDiskUse {
		opts.SetAllowDiskUse(true)
	}
	if r.options.BatchSize > 0 {
		opts.SetBatchSize(r.options.BatchSize)
	}

	logger.Debug("Executing pipeline with %d stages", len(pipeline))
	cursor, err := agg.Aggregate(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return cursor, nil
}

// pipelineTypes lists the stage tokens of a built pipeline.
func pipelineTypes(pipeline mongo.Pipeline) []string {
	types := make([]string, len(pipeline))
	for i, s := range pipeline {
		types[i] = stageToken(s)
	}
	return types
}
