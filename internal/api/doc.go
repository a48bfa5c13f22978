// Package api hosts the HTTP server, middleware, and REST handlers of the
// search gateway. Routes:
//   - POST /api/search runs one worker invocation and returns its result.
//   - GET /api/search/{requestId} returns the recorded invocation summary.
//   - GET /health reports liveness without touching the worker.
//   - GET /metrics for Prometheus scraping.
//
// Every response carries an X-Request-ID header, and JSON bodies repeat it
// as requestId.
package api
