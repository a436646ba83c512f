package pipebuilder

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Builder accumulates an ordered list of aggregation stages.
//
// Every stage method validates its arguments, appends a single-key stage
// document and returns the builder so calls can be chained. The first failing
// call is recorded and every later chained mutation is skipped; the error is
// reported by Err and Build. A failing call never modifies the stage list.
//
// A Builder is not safe for concurrent mutation.
type Builder struct {
	stages []bson.D
	logger Logger
	err    error
}

// Option configures a Builder
type Option func(*Builder)

// WithLogger sets the logger used to report skipped stages and failures
func WithLogger(logger Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates an empty builder
func New(opts ...Option) *Builder {
	b := &Builder{
		stages: []bson.D{},
		logger: NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Err returns the first error recorded by a chained call, or nil.
func (b *Builder) Err() error {
	return b.err
}

// ResetErr clears the recorded error so chaining can continue.
func (b *Builder) ResetErr() *Builder {
	b.err = nil
	return b
}

// fail records err unless an earlier error is already held.
func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	b.logger.Debug("pipeline builder error: %v", err)
	return b
}

// halted reports whether op must be skipped because of an earlier error.
func (b *Builder) halted(op string) bool {
	if b.err == nil {
		return false
	}
	b.logger.Debug("skipping %s: builder holds error: %v", op, b.err)
	return true
}

func (b *Builder) push(token string, payload any) *Builder {
	b.stages = append(b.stages, bson.D{{Key: token, Value: payload}})
	return b
}

func (b *Builder) omit(op string) *Builder {
	b.logger.Debug("%s: empty payload, stage omitted", op)
	return b
}

// Len returns the number of stages.
func (b *Builder) Len() int {
	return len(b.stages)
}

// String returns a short summary with the stage count and up to three
// stage tokens.
func (b *Builder) String() string {
	if len(b.stages) == 0 {
		return "Builder(stages=0)"
	}
	n := min(len(b.stages), 3)
	tokens := make([]string, n)
	for i := range n {
		tokens[i] = stageToken(b.stages[i])
	}
	preview := strings.Join(tokens, ", ")
	if len(b.stages) > 3 {
		preview += "..."
	}
	return fmt.Sprintf("Builder(stages=%d, preview=[%s])", len(b.stages), preview)
}

// Clear removes every stage and any recorded error.
func (b *Builder) Clear() *Builder {
	b.stages = []bson.D{}
	b.err = nil
	return b
}

// Copy returns an independent builder holding a copy of the stage list.
// Stage documents are shared until read back through StageAt or Build, which
// deep copy.
func (b *Builder) Copy() *Builder {
	stages := make([]bson.D, len(b.stages))
	copy(stages, b.stages)
	return &Builder{
		stages: stages,
		logger: b.logger,
		err:    b.err,
	}
}

// stageArg normalizes a raw stage argument. A nil stage is reported as
// (nil, nil) when allowNil is set.
func stageArg(op string, stage any, allowNil bool) (bson.D, error) {
	if isNil(stage) {
		if allowNil {
			return nil, nil
		}
		return nil, typeError(op, "stage cannot be nil")
	}
	doc, ok := toDocument(stage)
	if !ok {
		return nil, typeError(op, "stage must be a document, got %T", stage)
	}
	if len(doc) > 1 {
		return nil, valueError(op, "stage must have exactly one key, got %d", len(doc))
	}
	return doc, nil
}

// AddStage appends an arbitrary stage document verbatim. Nil and empty
// stages are ignored. The stage must be document-shaped with exactly one key,
// the stage operator: anything else is rejected with ErrInvalidType, and
// documents with several keys with ErrInvalidValue.
func (b *Builder) AddStage(stage any) *Builder {
	const op = "AddStage"
	if b.halted(op) {
		return b
	}
	doc, err := stageArg(op, stage, true)
	if err != nil {
		return b.fail(err)
	}
	if len(doc) == 0 {
		return b.omit(op)
	}
	b.stages = append(b.stages, doc)
	return b
}

// Prepend inserts stage at the beginning of the pipeline.
func (b *Builder) Prepend(stage any) *Builder {
	const op = "Prepend"
	if b.halted(op) {
		return b
	}
	doc, err := stageArg(op, stage, false)
	if err != nil {
		return b.fail(err)
	}
	if len(doc) == 0 {
		return b.omit(op)
	}
	b.stages = append([]bson.D{doc}, b.stages...)
	return b
}

// InsertAt inserts stage before position. Position Len() appends.
func (b *Builder) InsertAt(position int, stage any) *Builder {
	const op = "InsertAt"
	if b.halted(op) {
		return b
	}
	doc, err := stageArg(op, stage, false)
	if err != nil {
		return b.fail(err)
	}
	if len(doc) == 0 {
		return b.omit(op)
	}
	if position < 0 || position > len(b.stages) {
		return b.fail(wrapError(op, ErrOutOfRange, "position %d out of range [0, %d]", position, len(b.stages)))
	}
	b.stages = append(b.stages, nil)
	copy(b.stages[position+1:], b.stages[position:])
	b.stages[position] = doc
	return b
}

// StageAt returns a deep copy of the stage at index.
func (b *Builder) StageAt(index int) (bson.D, error) {
	if index < 0 || index >= len(b.stages) {
		return nil, wrapError("StageAt", ErrOutOfRange, "index %d out of range [0, %d)", index, len(b.stages))
	}
	return copyDocument(b.stages[index]), nil
}

// StageTypes returns the token of every stage in order.
func (b *Builder) StageTypes() []string {
	types := make([]string, len(b.stages))
	for i, s := range b.stages {
		types[i] = stageToken(s)
	}
	return types
}

// HasStage reports whether any stage uses token. The match is case-sensitive.
func (b *Builder) HasStage(token string) bool {
	for _, s := range b.stages {
		if stageToken(s) == token {
			return true
		}
	}
	return false
}

// Build returns an independent deep copy of the pipeline, ready to pass to
// Collection.Aggregate. It returns the recorded error if a chained call failed.
func (b *Builder) Build() (mongo.Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	return mongo.Pipeline(copyStages(b.stages)), nil
}

// MustBuild is like Build but panics on a recorded error.
func (b *Builder) MustBuild() mongo.Pipeline {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}
