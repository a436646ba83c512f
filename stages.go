package pipebuilder

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Stage tokens produced by the builder.
const (
	StageMatch       = "$match"
	StageLookup      = "$lookup"
	StageAddFields   = "$addFields"
	StageSet         = "$set"
	StageProject     = "$project"
	StageGroup       = "$group"
	StageUnwind      = "$unwind"
	StageSort        = "$sort"
	StageLimit       = "$limit"
	StageSkip        = "$skip"
	StageUnset       = "$unset"
	StageReplaceRoot = "$replaceRoot"
	StageReplaceWith = "$replaceWith"
	StageFacet       = "$facet"
	StageCount       = "$count"
	StageSample      = "$sample"
	StageOut         = "$out"
	StageMerge       = "$merge"
)

// GroupIDKey is the key a $group stage binds its grouping expression to.
const GroupIDKey = "_id"

// DefaultCountField is the output field used by Count.
const DefaultCountField = "count"

// docArg normalizes a required document argument.
func docArg(op, name string, v any) (bson.D, error) {
	if isNil(v) {
		return nil, typeError(op, "%s cannot be nil, use bson.D{} instead", name)
	}
	doc, ok := toDocument(v)
	if !ok {
		return nil, typeError(op, "%s must be a document, got %T", name, v)
	}
	return doc, nil
}

func stagesToArray(stages []bson.D) bson.A {
	out := make(bson.A, len(stages))
	for i, s := range stages {
		out[i] = s
	}
	return out
}

// documentStage backs the stage kinds whose payload is a plain document that
// is omitted when empty.
func (b *Builder) documentStage(op, token, name string, v any) *Builder {
	if b.halted(op) {
		return b
	}
	doc, err := docArg(op, name, v)
	if err != nil {
		return b.fail(err)
	}
	if len(doc) == 0 {
		return b.omit(op)
	}
	return b.push(token, doc)
}

// Match adds a $match stage. An empty filter adds nothing.
//
//	b.Match(bson.D{{"status", "active"}, {"age", bson.D{{"$gte", 18}}}})
func (b *Builder) Match(conditions any) *Builder {
	return b.documentStage("Match", StageMatch, "conditions", conditions)
}

// AddFields adds an $addFields stage. An empty document adds nothing.
func (b *Builder) AddFields(fields any) *Builder {
	return b.documentStage("AddFields", StageAddFields, "fields", fields)
}

// Set adds a $set stage, the alias of $addFields. An empty document is
// silently skipped.
func (b *Builder) Set(fields any) *Builder {
	return b.documentStage("Set", StageSet, "fields", fields)
}

// Project adds a $project stage. An empty document adds nothing.
func (b *Builder) Project(fields any) *Builder {
	return b.documentStage("Project", StageProject, "fields", fields)
}

// Sort adds a $sort stage. Pass a bson.D to keep the field order; a map is
// sorted by key. An empty document adds nothing.
func (b *Builder) Sort(fields any) *Builder {
	return b.documentStage("Sort", StageSort, "fields", fields)
}

// LookupSpec configures a $lookup stage.
type LookupSpec struct {
	// From is the collection to join with.
	From string
	// LocalField is the field path on the input documents.
	LocalField string
	// ForeignField is the field path on the From collection.
	ForeignField string
	// As names the output array field.
	As string
	// Pipeline is an optional list of stages run on the joined collection:
	// mongo.Pipeline, []bson.D, bson.A, []any or another *Builder.
	Pipeline any
}

// Lookup adds a $lookup stage joining spec.From.
func (b *Builder) Lookup(spec LookupSpec) *Builder {
	const op = "Lookup"
	if b.halted(op) {
		return b
	}
	for _, f := range []struct{ name, value string }{
		{"from", spec.From},
		{"localField", spec.LocalField},
		{"foreignField", spec.ForeignField},
		{"as", spec.As},
	} {
		if f.value == "" {
			return b.fail(valueError(op, "%s must be a non-empty string", f.name))
		}
	}

	var nested []bson.D
	if !isNil(spec.Pipeline) {
		stages, ok := toStageList(spec.Pipeline)
		if !ok {
			return b.fail(typeError(op, "pipeline must be a list of stage documents, got %T", spec.Pipeline))
		}
		nested = stages
	}

	payload := bson.D{
		{Key: "from", Value: spec.From},
		{Key: "localField", Value: spec.LocalField},
		{Key: "foreignField", Value: spec.ForeignField},
		{Key: "as", Value: spec.As},
	}
	if len(nested) > 0 {
		payload = append(payload, bson.E{Key: "pipeline", Value: stagesToArray(nested)})
	}
	return b.push(StageLookup, payload)
}

// Group adds a $group stage. groupKey becomes the _id expression: a field
// path such as "$category", a composite document, an array, a scalar or nil.
// Accumulator entries are merged next to _id.
//
// Passing {_id: expr} as groupKey is rejected with ErrDoubleWrappedGroupID;
// pass expr itself.
func (b *Builder) Group(groupKey any, accumulators any) *Builder {
	const op = "Group"
	if b.halted(op) {
		return b
	}
	if isNil(accumulators) {
		return b.fail(typeError(op, "accumulators must be a document, got nil"))
	}
	acc, ok := toDocument(accumulators)
	if !ok {
		return b.fail(typeError(op, "accumulators must be a document, got %T", accumulators))
	}

	if isNil(groupKey) {
		groupKey = nil
	}
	keyDoc, keyIsDoc := toDocument(groupKey)
	if keyIsDoc && len(keyDoc) == 1 && keyDoc[0].Key == GroupIDKey {
		inner := keyDoc[0].Value
		return b.fail(wrapError(op, ErrDoubleWrappedGroupID,
			"invalid groupKey: you passed a document wrapper {_id: ...} to Builder.Group.\n"+
				"Builder.Group(groupKey, ...) expects the expression that becomes $group._id.\n"+
				"\n"+
				"Did you mean:\n"+
				"- b.Group(%#v, accumulators)\n"+
				"\n"+
				"Examples:\n"+
				"- Array _id: b.Group(bson.A{\"$idSeason\", \"$idTournament\"}, accumulators)\n"+
				"- Field path: b.Group(\"$category\", accumulators)\n"+
				"- Composite key: b.Group(bson.D{{\"category\", \"$category\"}}, accumulators)\n"+
				"\n"+
				"{_id: expr} creates a nested _id object, and later operators such as $first on \"$_id\"\n"+
				"fail with \"$first's argument must be an array, but is object\".",
			inner))
	}

	emptyKey := false
	switch k := groupKey.(type) {
	case string:
		emptyKey = k == ""
	default:
		emptyKey = keyIsDoc && len(keyDoc) == 0
	}
	if emptyKey && len(acc) == 0 {
		return b.fail(wrapError(op, ErrEmptyGroup, "groupKey and accumulators cannot both be empty"))
	}

	payload := make(bson.D, 0, len(acc)+1)
	payload = append(payload, bson.E{Key: GroupIDKey, Value: groupKey})
	for _, e := range acc {
		if e.Key == GroupIDKey {
			payload[0].Value = e.Value
			continue
		}
		payload = append(payload, e)
	}
	return b.push(StageGroup, payload)
}

type unwindOptions struct {
	preserveNullAndEmptyArrays bool
	includeArrayIndex          string
}

// UnwindOption configures an $unwind stage
type UnwindOption func(*unwindOptions)

// PreserveNullAndEmptyArrays keeps documents whose array is missing, null or empty.
func PreserveNullAndEmptyArrays() UnwindOption {
	return func(o *unwindOptions) {
		o.preserveNullAndEmptyArrays = true
	}
}

// IncludeArrayIndex stores the element index in field. An empty name is ignored.
func IncludeArrayIndex(field string) UnwindOption {
	return func(o *unwindOptions) {
		o.includeArrayIndex = field
	}
}

// Unwind adds an $unwind stage for the array at path.
func (b *Builder) Unwind(path string, opts ...UnwindOption) *Builder {
	const op = "Unwind"
	if b.halted(op) {
		return b
	}
	if path == "" {
		return b.fail(valueError(op, "path cannot be empty"))
	}
	var o unwindOptions
	for _, opt := range opts {
		opt(&o)
	}
	payload := bson.D{{Key: "path", Value: path}}
	if o.preserveNullAndEmptyArrays {
		payload = append(payload, bson.E{Key: "preserveNullAndEmptyArrays", Value: true})
	}
	if o.includeArrayIndex != "" {
		payload = append(payload, bson.E{Key: "includeArrayIndex", Value: o.includeArrayIndex})
	}
	return b.push(StageUnwind, payload)
}

// Limit adds a $limit stage. Zero adds nothing.
func (b *Builder) Limit(n int64) *Builder {
	return b.countStage("Limit", StageLimit, "limit", n)
}

// Skip adds a $skip stage. Zero adds nothing.
func (b *Builder) Skip(n int64) *Builder {
	return b.countStage("Skip", StageSkip, "skip", n)
}

func (b *Builder) countStage(op, token, name string, n int64) *Builder {
	if b.halted(op) {
		return b
	}
	if n < 0 {
		return b.fail(valueError(op, "%s cannot be negative", name))
	}
	if n == 0 {
		return b.omit(op)
	}
	return b.push(token, n)
}

// Unset adds an $unset stage removing fields. A single field is stored as a
// string, several as an array.
func (b *Builder) Unset(fields ...string) *Builder {
	const op = "Unset"
	if b.halted(op) {
		return b
	}
	if len(fields) == 0 {
		return b.fail(valueError(op, "fields cannot be empty"))
	}
	for _, f := range fields {
		if f == "" {
			return b.fail(valueError(op, "fields cannot contain empty strings"))
		}
	}
	if len(fields) == 1 {
		return b.push(StageUnset, fields[0])
	}
	list := make(bson.A, len(fields))
	for i, f := range fields {
		list[i] = f
	}
	return b.push(StageUnset, list)
}

// ReplaceRoot adds a $replaceRoot stage. newRoot must contain the newRoot key.
//
//	b.ReplaceRoot(bson.D{{"newRoot", "$user"}})
func (b *Builder) ReplaceRoot(newRoot any) *Builder {
	const op = "ReplaceRoot"
	if b.halted(op) {
		return b
	}
	doc, err := docArg(op, "newRoot", newRoot)
	if err != nil {
		return b.fail(err)
	}
	if len(doc) == 0 {
		return b.fail(valueError(op, "newRoot cannot be empty"))
	}
	if _, ok := lookupKey(doc, "newRoot"); !ok {
		return b.fail(valueError(op, "newRoot must contain the 'newRoot' key"))
	}
	return b.push(StageReplaceRoot, doc)
}

// ReplaceWith adds a $replaceWith stage. Any non-nil expression is accepted.
func (b *Builder) ReplaceWith(replacement any) *Builder {
	const op = "ReplaceWith"
	if b.halted(op) {
		return b
	}
	if isNil(replacement) {
		return b.fail(valueError(op, "replacement cannot be nil"))
	}
	return b.push(StageReplaceWith, replacement)
}

// Facet adds a $facet stage. Each key names an output field bound to a list
// of stages.
func (b *Builder) Facet(facets any) *Builder {
	const op = "Facet"
	if b.halted(op) {
		return b
	}
	doc, err := docArg(op, "facets", facets)
	if err != nil {
		return b.fail(err)
	}
	if len(doc) == 0 {
		return b.fail(valueError(op, "facets cannot be empty"))
	}
	payload := make(bson.D, len(doc))
	for i, e := range doc {
		if isNil(e.Value) {
			return b.fail(typeError(op, "facet %q must be a list of stage documents, got nil", e.Key))
		}
		stages, ok := toStageList(e.Value)
		if !ok {
			return b.fail(typeError(op, "facet %q must be a list of stage documents, got %T", e.Key, e.Value))
		}
		payload[i] = bson.E{Key: e.Key, Value: stagesToArray(stages)}
	}
	return b.push(StageFacet, payload)
}

// Count adds a $count stage writing to the "count" field.
func (b *Builder) Count() *Builder {
	return b.CountAs(DefaultCountField)
}

// CountAs adds a $count stage writing to field.
func (b *Builder) CountAs(field string) *Builder {
	const op = "Count"
	if b.halted(op) {
		return b
	}
	if field == "" {
		return b.fail(valueError(op, "field name cannot be empty"))
	}
	return b.push(StageCount, field)
}

// Sample adds a $sample stage selecting size random documents.
func (b *Builder) Sample(size int64) *Builder {
	const op = "Sample"
	if b.halted(op) {
		return b
	}
	if size <= 0 {
		return b.fail(valueError(op, "size must be positive, got %d", size))
	}
	return b.push(StageSample, bson.D{{Key: "size", Value: size}})
}

// outputTarget validates the destination of $out and $merge: a collection
// name or a {db, coll} document.
func outputTarget(op string, target any) (any, error) {
	if isNil(target) {
		return nil, typeError(op, "target cannot be nil")
	}
	if name, ok := target.(string); ok {
		if name == "" {
			return nil, valueError(op, "target collection cannot be empty")
		}
		return name, nil
	}
	doc, ok := toDocument(target)
	if !ok {
		return nil, typeError(op, "target must be a collection name or a {db, coll} document, got %T", target)
	}
	coll, ok := lookupKey(doc, "coll")
	if name, isString := coll.(string); !ok || !isString || name == "" {
		return nil, valueError(op, "target document must contain a non-empty 'coll'")
	}
	return doc, nil
}

// Out adds an $out stage writing the results to target. It must be the last
// stage; Validate enforces that.
func (b *Builder) Out(target any) *Builder {
	const op = "Out"
	if b.halted(op) {
		return b
	}
	t, err := outputTarget(op, target)
	if err != nil {
		return b.fail(err)
	}
	return b.push(StageOut, t)
}

type mergeOptions struct {
	on             []string
	whenMatched    any
	whenNotMatched string
}

// MergeOption configures a $merge stage
type MergeOption func(*mergeOptions)

// MergeOn sets the fields identifying a document in the target collection.
func MergeOn(fields ...string) MergeOption {
	return func(o *mergeOptions) {
		o.on = fields
	}
}

// WhenMatched sets the action for matching documents: "replace", "keepExisting",
// "merge", "fail" or an update pipeline.
func WhenMatched(action any) MergeOption {
	return func(o *mergeOptions) {
		o.whenMatched = action
	}
}

// WhenNotMatched sets the action for new documents: "insert", "discard" or "fail".
func WhenNotMatched(action string) MergeOption {
	return func(o *mergeOptions) {
		o.whenNotMatched = action
	}
}

// Merge adds a $merge stage writing the results into into. It must be the
// last stage; Validate enforces that.
func (b *Builder) Merge(into any, opts ...MergeOption) *Builder {
	const op = "Merge"
	if b.halted(op) {
		return b
	}
	target, err := outputTarget(op, into)
	if err != nil {
		return b.fail(err)
	}
	var o mergeOptions
	for _, opt := range opts {
		opt(&o)
	}
	payload := bson.D{{Key: "into", Value: target}}
	for _, f := range o.on {
		if f == "" {
			return b.fail(valueError(op, "on fields cannot contain empty strings"))
		}
	}
	switch len(o.on) {
	case 0:
	case 1:
		payload = append(payload, bson.E{Key: "on", Value: o.on[0]})
	default:
		on := make(bson.A, len(o.on))
		for i, f := range o.on {
			on[i] = f
		}
		payload = append(payload, bson.E{Key: "on", Value: on})
	}
	if !isNil(o.whenMatched) {
		if stages, ok := toStageList(o.whenMatched); ok {
			payload = append(payload, bson.E{Key: "whenMatched", Value: stagesToArray(stages)})
		} else {
			payload = append(payload, bson.E{Key: "whenMatched", Value: o.whenMatched})
		}
	}
	if o.whenNotMatched != "" {
		payload = append(payload, bson.E{Key: "whenNotMatched", Value: o.whenNotMatched})
	}
	return b.push(StageMerge, payload)
}
