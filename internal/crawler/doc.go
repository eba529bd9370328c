// Package crawler holds the shared vocabulary of the backfill: date ranges and
// their partitioning, tasks and outcomes, the session contract implemented by
// fetchers, and the linear retry policy.
package crawler
