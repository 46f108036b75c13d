// Package api hosts the ops HTTP server for the re-crawl service. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl/tick to run one scheduler tick synchronously.
//   - POST /v1/crawl/urls and GET /v1/crawl/urls?url= to register and
//     inspect registry entries.
//   - POST /v1/embeddings/run to start an embedding pipeline run.
package api
