// Package license is the machine-side half of the licensing system: it
// activates a product key against the authority, keeps the signed certificate
// encrypted on disk, validates it offline and runs the heartbeat that mirrors
// revocations and certificate updates from the authority.
//
// # Components
//
//	- Manager: activation, upgrade and the cached offline verdict
//	- StateStore: encrypted certificate, heartbeat state and pinned public key
//	- Validator: the offline decision
//	- Heartbeat: periodic check-in with bounded retries
//	- LicenseHealthCheck: component health for the sidecar
//
// # Offline Validation
//
// Checks run in a fixed order and the first failure decides the reason:
//
//	1. The certificate file exists and decrypts with this machine's key
//	2. The RSA-PSS signature verifies against the pinned authority key
//	3. The certificate fingerprint equals the current fingerprint
//	4. The certificate has not expired, or is within the offline grace
//	   window measured from the last successful heartbeat
//	5. The authority has not revoked the machine
//
// # State Directory
//
//	certificate.dat        certificate encrypted with a fingerprint derived key
//	heartbeat_state.json   last_validated_at, revoked flag, last status
//	public_key.pem         authority key pinned at first activation
//	machine_id.json        stable random id mixed into the fingerprint
//
// Copying the directory to another host leaves the certificate undecryptable,
// which validates as machine_mismatch.
//
// # Usage
//
//	mgr, err := license.NewManager(cfg.Agent, logger)
//	res, err := mgr.Activate(ctx, "ACME-2025-X7K2-Q9X")
//	verdict := mgr.Validate(ctx)
//	hb, err := mgr.NewHeartbeat()
//	go hb.Run(ctx)
package license
