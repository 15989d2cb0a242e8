// Package api hosts the HTTP server, middleware, and REST handlers for
// driving runs. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/run, GET /v1/run and POST /v1/run/cancel to start, observe
//     and cancel the single active run.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     store.RunRepository interface.
package api
