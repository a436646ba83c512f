// Package store provides a catalog of named aggregation pipelines.
//
// The catalog persists pipelines built with pipebuilder in a SQLite database
// together with metadata: a description, tags and free-form properties.
// Entries are addressed by name; saving under an existing name replaces the
// pipeline and metadata but keeps the entry's ID and creation time.
//
// Core operations include:
//   - Save / Get / Delete: manage a pipeline by name
//   - Builder: load a stored pipeline into a new builder for further editing
//   - List / FindByTag / FindByAllTags / FindByAnyTag: browse the catalog
//
// Pipelines are stored as relaxed Extended JSON, the same encoding
// pipebuilder.Builder.Persist writes to files.
package store
