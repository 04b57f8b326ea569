// Package api hosts the ops HTTP server for a running crawl. Notable routes:
//   - GET /healthz and /readyz for health checks; readyz checks the ledger.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/ledger/counts, /v1/ledger/in-progress and /v1/ledger/{fingerprint}
//     for ledger inspection.
//   - GET /v1/tracker/pending for the completion tracker's live nodes.
package api
