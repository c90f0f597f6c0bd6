// Package tracking holds the change-tracking visitors of the submit
// pipeline.
//
// Discovery walks entities and reports what has to be written: entities
// without an identity become inserts, persisted entities with Assigned
// columns become updates carrying exactly those columns. Order arranges
// the inserts into dependency waves so every required foreign key points
// at a row that already exists when its referencing row is written.
//
// The visitors never issue SQL and never touch values except Backfill,
// which copies freshly assigned identities into foreign key columns.
package tracking
