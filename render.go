package pipebuilder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"github.com/pmezard/go-difflib/difflib"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// NoDifferences is returned by CompareWith when both pipelines are equal.
const NoDifferences = "No differences."

// DefaultIndent is the indentation width used when none is given.
const DefaultIndent = 2

type renderOptions struct {
	indent int
	ascii  bool
}

// RenderOption configures Render, RenderStage and Persist
type RenderOption func(*renderOptions)

// WithIndent sets the number of spaces per nesting level. Zero puts every
// element on its own line without indentation.
func WithIndent(n int) RenderOption {
	return func(o *renderOptions) {
		o.indent = n
	}
}

// WithASCII escapes every non-ASCII character as \uXXXX when enabled.
func WithASCII(enabled bool) RenderOption {
	return func(o *renderOptions) {
		o.ascii = enabled
	}
}

func newRenderOptions(opts []RenderOption) renderOptions {
	o := renderOptions{indent: DefaultIndent}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// marshalArray encodes documents as a compact relaxed Extended JSON array.
func marshalArray(docs bson.A) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, d := range docs {
		if i > 0 {
			buf.WriteByte(',')
		}
		raw, err := bson.MarshalExtJSON(d, false, false)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// format indents compact JSON and applies the ASCII option.
func format(op string, raw []byte, o renderOptions) (string, error) {
	if o.indent < 0 {
		return "", valueError(op, "indent cannot be negative")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", strings.Repeat(" ", o.indent)); err != nil {
		return "", fmt.Errorf("pipebuilder: %s: indent: %w", op, err)
	}
	if o.ascii {
		return escapeNonASCII(buf.String()), nil
	}
	return buf.String(), nil
}

// escapeNonASCII rewrites runes above 0x7F as JSON \u escapes. Non-ASCII
// runes only occur inside JSON strings, so the output stays valid JSON.
func escapeNonASCII(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r < 0x80:
			sb.WriteRune(r)
		case r > 0xFFFF:
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&sb, "\\u%04x\\u%04x", r1, r2)
		default:
			fmt.Fprintf(&sb, "\\u%04x", r)
		}
	}
	return sb.String()
}

func renderStages(op string, stages []bson.D, o renderOptions) (string, error) {
	raw, err := marshalArray(stagesToArray(stages))
	if err != nil {
		return "", fmt.Errorf("pipebuilder: %s: marshal pipeline: %w", op, err)
	}
	return format(op, raw, o)
}

// Render returns the pipeline as indented relaxed Extended JSON.
func (b *Builder) Render(opts ...RenderOption) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return renderStages("Render", b.stages, newRenderOptions(opts))
}

// RenderStage renders a single stage given either as an int index into the
// pipeline or as a stage document.
func (b *Builder) RenderStage(stage any, opts ...RenderOption) (string, error) {
	const op = "RenderStage"
	var doc bson.D
	switch s := stage.(type) {
	case int:
		d, err := b.StageAt(s)
		if err != nil {
			return "", err
		}
		doc = d
	default:
		if isNil(stage) {
			return "", typeError(op, "stage must be an int index or a document, got nil")
		}
		d, ok := toDocument(stage)
		if !ok {
			return "", typeError(op, "stage must be an int index or a document, got %T", stage)
		}
		doc = copyDocument(d)
	}
	raw, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", fmt.Errorf("pipebuilder: %s: marshal stage: %w", op, err)
	}
	return format(op, raw, newRenderOptions(opts))
}

// File is the document written by Persist and read by Load.
type File struct {
	Pipeline []bson.D `bson:"pipeline" json:"pipeline" jsonschema:"required,description=Ordered aggregation stages; each stage is a document with exactly one key"`
	Metadata bson.D   `bson:"metadata,omitempty" json:"metadata,omitempty" jsonschema:"description=Free-form metadata stored next to the pipeline"`
}

// Persist writes {"pipeline": [...], "metadata": {...}} to path, creating
// missing parent directories. metadata may be nil; an empty metadata
// document is omitted. The file is replaced atomically.
func (b *Builder) Persist(path string, metadata any, opts ...RenderOption) error {
	const op = "Persist"
	if b.err != nil {
		return b.err
	}
	if path == "" {
		return valueError(op, "path cannot be empty")
	}

	doc := bson.D{{Key: "pipeline", Value: stagesToArray(b.stages)}}
	if !isNil(metadata) {
		md, ok := toDocument(metadata)
		if !ok {
			return typeError(op, "metadata must be a document, got %T", metadata)
		}
		if len(md) > 0 {
			doc = append(doc, bson.E{Key: "metadata", Value: md})
		}
	}

	raw, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return fmt.Errorf("pipebuilder: %s: marshal: %w", op, err)
	}
	out, err := format(op, raw, newRenderOptions(opts))
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, []byte(out+"\n")); err != nil {
		return fmt.Errorf("pipebuilder: %s: %w", op, err)
	}
	b.logger.Debug("persisted %d stages to %s", len(b.stages), path)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Parse reads a persisted pipeline document, or a bare JSON array of stages,
// into a new builder. Both relaxed and canonical Extended JSON are accepted.
func Parse(data []byte, opts ...Option) (*Builder, error) {
	b, _, err := ParseDocument(data, opts...)
	return b, err
}

// ParseDocument is like Parse and also returns the metadata document, if any.
func ParseDocument(data []byte, opts ...Option) (*Builder, bson.D, error) {
	const op = "Parse"
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		wrapped := make([]byte, 0, len(trimmed)+14)
		wrapped = append(wrapped, `{"pipeline":`...)
		wrapped = append(wrapped, trimmed...)
		wrapped = append(wrapped, '}')
		trimmed = wrapped
	}

	var raw bson.D
	if err := bson.UnmarshalExtJSON(trimmed, false, &raw); err != nil {
		return nil, nil, fmt.Errorf("pipebuilder: %s: %w", op, err)
	}

	value, ok := lookupKey(raw, "pipeline")
	if !ok {
		return nil, nil, valueError(op, "document has no 'pipeline' key")
	}
	stages, ok := toStageList(value)
	if !ok {
		return nil, nil, typeError(op, "'pipeline' must be an array of stage documents, got %T", value)
	}

	b := New(opts...)
	for i, s := range stages {
		if len(s) != 1 {
			return nil, nil, valueError(op, "stage %d must have exactly one key, got %d", i, len(s))
		}
		b.stages = append(b.stages, s)
	}

	var metadata bson.D
	if md, ok := lookupKey(raw, "metadata"); ok {
		doc, isDoc := toDocument(md)
		if !isDoc {
			return nil, nil, typeError(op, "'metadata' must be a document, got %T", md)
		}
		metadata = doc
	}
	return b, metadata, nil
}

// Load reads a file written by Persist.
func Load(path string, opts ...Option) (*Builder, error) {
	b, _, err := LoadDocument(path, opts...)
	return b, err
}

// LoadDocument reads a file written by Persist and returns its metadata too.
func LoadDocument(path string, opts ...Option) (*Builder, bson.D, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("pipebuilder: Load: %w", err)
	}
	return ParseDocument(data, opts...)
}

// CompareWith returns a unified diff between this pipeline and other, labelled
// "new" and "other". Keys are sorted before comparing so payload key order
// does not matter. NoDifferences is returned when the pipelines match.
func (b *Builder) CompareWith(other *Builder, contextLines int) (string, error) {
	const op = "CompareWith"
	if other == nil {
		return "", typeError(op, "other must be a *Builder, got nil")
	}
	if contextLines < 0 {
		return "", valueError(op, "contextLines cannot be negative")
	}
	if b.err != nil {
		return "", b.err
	}
	if other.err != nil {
		return "", other.err
	}

	a, err := renderCanonical(op, b.stages)
	if err != nil {
		return "", err
	}
	o, err := renderCanonical(op, other.stages)
	if err != nil {
		return "", err
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(o),
		FromFile: "new",
		ToFile:   "other",
		Context:  contextLines,
	})
	if err != nil {
		return "", fmt.Errorf("pipebuilder: %s: %w", op, err)
	}
	if diff == "" {
		return NoDifferences, nil
	}
	return diff, nil
}

func renderCanonical(op string, stages []bson.D) (string, error) {
	raw, err := marshalArray(canonicalStages(stages))
	if err != nil {
		return "", fmt.Errorf("pipebuilder: %s: marshal pipeline: %w", op, err)
	}
	return format(op, raw, renderOptions{indent: DefaultIndent})
}
