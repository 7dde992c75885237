// Package files manages the agent's state directory.
//
// Every write goes through a temporary file in the same directory that is
// fsynced and then renamed over the target, so readers see either the old
// or the new content and never a partial file.
//
// Example usage:
//
//	manager := files.NewManager("/var/license")
//	if err := manager.WriteFileAtomic("heartbeat_state.json", data, 0o600); err != nil {
//	    return err
//	}
package files
