// Package api hosts the HTTP server and middleware for operating the crawler.
// Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/session for the live session status, GET /v1/session/last for
//     the summary of the last finished session.
//   - POST /v1/session to start a session and POST /v1/session/abort to stop it.
//   - GET /v1/sessions, /v1/sessions/{id} and /v1/sessions/{id}/hosts for the
//     recorded session history.
package api
