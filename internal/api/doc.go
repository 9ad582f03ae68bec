// Package api hosts the admin HTTP server of the frontier. Notable routes:
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
//   - /v1/frontier, /v1/urls, /v1/workers, /v1/events and /v1/crawl for operators.
//   - POST /yacy/urls.xml, the remote crawl feed other peers pull work from.
package api
