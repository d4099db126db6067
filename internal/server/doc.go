// Package server hosts the asset API and playback endpoints from a single
// HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// audit, metrics, rate limiting, CORS, and security headers so handlers all
// share common protections and instrumentation. Upload requests are rate
// limited per client IP, optionally backed by Redis so the limit holds across
// replicas.
package server
