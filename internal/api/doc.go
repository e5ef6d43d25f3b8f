// Package api hosts the HTTP status server for a running crawl. Routes:
//   - GET /healthz and /readyz for health checks; readyz checks the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for queue and store counts.
//   - GET /v1/tasks for registered task names.
//   - POST /v1/seeds to add seed URLs to the running crawl.
package api
