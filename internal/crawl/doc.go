// Package crawl owns the crawl lifecycle: kickoff, child discovery, the
// job-done hook and the finish side effects (job log record and webhook).
//
// Crawl records, the visited set and the job-group tracker all live in the
// shared ordered store next to the scheduler's leases.
package crawl
