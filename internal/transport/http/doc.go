// Package http implements the HTTP handlers of the license server and the
// agent sidecar. Handlers stay thin: they decode and validate the request,
// call a service interface and render the result.
//
// # Surfaces
//
//	LicenseHandler  /api/v1 activate, upgrade, heartbeat, validate, public-key
//	AdminHandler    /api/v1/admin customers, machines, tiers, audit (JWT)
//	AgentHandler    /license status, features, expiry, services/{name}
//	HealthHandler   /health and /health/ready
//	MetricsHandler  /metrics
//
// Business refusals from the authority (product key not found, machine limit
// reached, revoked) are 200 responses with success=false so that clients can
// show the message. Malformed requests, throttling and server faults use
// RFC 7807 problem details written by the errors package.
package http
