// Package pipebuilder provides a fluent builder for MongoDB aggregation pipelines.
//
// A Builder accumulates an ordered list of stages, each a bson.D with exactly
// one key such as "$match" or "$lookup". Stage methods validate their
// arguments, normalize them into a canonical stage document and return the
// builder so calls chain:
//
//	pipeline, err := pipebuilder.New().
//		Match(bson.D{{"status", "active"}}).
//		Sort(bson.D{{"name", 1}}).
//		Limit(10).
//		Build()
//
// The first invalid call is recorded and reported by Err, Build and Validate;
// later chained calls are skipped. Empty filters, projections, sorts and zero
// limits or skips add nothing.
//
// Core components include:
//   - Builder: stage constructors, positional editing, introspection
//   - Validate: structural checks such as $out and $merge being last
//   - Render, Persist, Load: Extended JSON text and files
//   - CompareWith: unified diffs between two pipelines
//   - Runner: executes a pipeline against a collection through middleware
//     for logging, Prometheus metrics and OpenTelemetry tracing
//
// The builder never interprets expressions: it does not know what $sum means.
package pipebuilder
