// Package license enforces an offline trial without any server.
//
// # Architecture Overview
//
// The package consists of several components:
//
//	- Store: one signed, base64 encoded record in a single file
//	- Signer: HMAC-SHA256 tag over the record and the device id
//	- Evaluate: the ledger reconciling wall and monotonic clocks
//	- Guard: check, extend and activate behind one mutex
//	- LockController: Unlocked/Locked state driven by verdicts
//	- Watchdog: periodic Guard.Tick
//
// # Check Flow
//
//	1. Load the record and verify it under the current device id
//	2. Reject a wall clock set back beyond the skew tolerance
//	3. Add the monotonic delta and the capped forward wall jump to usage
//	4. Persist the advanced checkpoint (never after a rollback)
//	5. Active only while both the deadline and the usage cap hold
//
// A missing, corrupt or mis-signed file is the same as no license.
//
// # Trust Boundary
//
// Signing is symmetric and the secret ships with the binary. The tag
// proves a file came from this application, which stops hand edits,
// copies to other machines and clock rollbacks, not a determined
// attacker with the binary.
//
// # Usage
//
//	guard, err := license.NewGuard(license.Options{...})
//	if err := guard.Enforce(ctx, prompt); err != nil {
//		return err
//	}
//	wd, _ := license.NewWatchdog(guard, clock.Real(), time.Second, logger)
//	go wd.Run(ctx)
package license
