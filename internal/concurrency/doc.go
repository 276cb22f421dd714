// Package concurrency implements tenant and crawl admission control on top of
// the shared ordered store.
//
// Running work is tracked as leases in per-tenant (and, for crawls that
// declare a ceiling, per-crawl) sorted sets scored by expiry. Work that does
// not fit is parked in a per-tenant backlog and promoted one job at a time as
// completions free capacity. No in-process locking is used: every mutation is
// a single store operation and promotion relies on conditional removal to
// detect lost races between workers.
package concurrency
