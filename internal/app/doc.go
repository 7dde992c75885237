// Package app wires the two long-running programs of the license system.
//
// Server is the activation authority: it opens the database, loads the
// signing key, builds the failed-activation throttle and serves the public
// and admin APIs behind the shared middleware chain.
//
// Agent runs next to a licensed application. It activates once with the
// configured product key, then serves a localhost sidecar (/license/*,
// /authorize, /health, /metrics) while the heartbeat loop keeps the local
// revocation state current.
//
// # Initialization Flow
//
//	1. Load configuration (config.Load)
//	2. Initialize logging and OpenTelemetry
//	3. Open stores (database or state directory)
//	4. Build services and the HTTP router
//	5. Run until the context is cancelled, then shut down
//
// Neither type calls os.Exit or installs signal handlers; the commands pass
// a context from signal.NotifyContext. All initialization errors are
// returned to the caller, and resources opened before the failure are
// released.
package app
