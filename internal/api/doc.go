// Package api hosts the HTTP server, middleware, and handlers that serve the
// rotation to display clients. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/next and /v1/viewers/{viewer_id}/next for the next front page.
//   - GET /v1/artifacts/{date}/{source_id} for the raster image itself.
//   - POST /v1/refresh to trigger an out-of-band refresh pass.
package api
