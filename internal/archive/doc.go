// Package archive appends every delivered chat message to PostgreSQL.
//
// The writer is an append-only audit sink fed by the router. It batches
// inserts and relies on the primary key to drop replays, so at-least-once
// delivery from the broker never produces duplicate rows. Nothing in the
// chat core reads from the archive.
package archive
