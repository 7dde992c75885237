// Package shared holds code used across packages that belongs to no single
// domain. Today that is only testutil: deterministic keys, product key
// fixtures and a capturing slog handler for tests.
package shared
