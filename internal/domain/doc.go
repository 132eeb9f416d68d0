// Package domain defines the core types of the battlescope killmail pipeline.
//
// Types in this package are value objects shared by the ingestion loop, the
// enrichment workers, the clustering engine and the ship-history rebuild.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Pure methods on the types are allowed (filter evaluation, state checks)
//   - Constants and enums belong here
package domain
