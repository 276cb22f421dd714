// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl, /v1/batch/scrape and /v1/scrape to submit work.
//   - GET and DELETE /v1/crawl/{id} for status, documents and cancellation.
//   - GET /v1/team/{team}/concurrency and /v1/team/{team}/crawls for
//     admission state.
package api
