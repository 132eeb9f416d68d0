// Package ruleset serves the active ingestion ruleset.
//
// Reads go through a three-layer cache: an in-process snapshot, a shared
// Redis copy, and the Postgres row of record. Updates are saved to Postgres
// and announced on a Redis channel so every process drops its snapshot.
//
// The package depends on the Repository interface in repository.go and never
// imports database/sql directly.
package ruleset
