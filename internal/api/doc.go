// Package api hosts the HTTP server the browser extension talks to. Notable
// routes:
//   - GET /healthz and /readyz for probes; /healthz lists the download
//     handlers in routing order.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/archive admits a job and returns its ID immediately.
//   - POST /v1/archive-image saves one image before responding.
//   - GET /v1/jobs and /v1/jobs/{id} report job state.
//   - POST /v1/check-archived answers whether a URL was archived recently.
//   - GET /v1/search and /v1/stats query archived media.
package api
