// Package scheduler owns the live cron timers for report definitions.
//
// The store is the source of truth; the registry here is a cache of which
// reports are active with a valid expression. Every timer fire re-reads the
// definition, checks the active window and renders at most once per report
// at a time. Render, store and delivery failures stay local to the report
// and never cancel its timer.
package scheduler
