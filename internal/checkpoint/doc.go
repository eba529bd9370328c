// Package checkpoint persists periodic and final snapshots of a backfill run.
//
// A Writer decides when to snapshot (every N completed tasks, plus once at the
// end) and hands each snapshot to a Sink. Sinks write a records file and a
// manifest describing which ranges are done; the manifest is what a later run
// reads to resume. Persistence is best effort: a failed write is logged and
// counted but never stops the run.
package checkpoint
