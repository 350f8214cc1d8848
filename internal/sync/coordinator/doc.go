// Package coordinator runs sync passes for a device.
//
// A pass moves through a fixed sequence of phases:
//
//	Idle
//	  → DrainingOfflineQueue   replay queued offline operations
//	  → PushingLocal           write local changes that do not conflict
//	  → DetectingConflicts     collect conflicting changes, surface manual ones
//	  → ResolvingConflicts     merge and write the rest
//	  → PullingRemote          fetch other devices' changes into the cache
//	  → NotifyingPeers         tell the user's other devices what changed
//	  → Idle | Failed
//
// Per-record failures are recorded in the Result and never abort a pass.
// A phase-level failure (cancellation, the canonical store being
// unreachable during a pull) stops the pass in Failed, but everything
// already written stays written: convergence is monotonic.
//
// Every pass, successful or not, ends with a device_sync update sent to
// the syncing device.
//
// Usage:
//
//	coord, err := coordinator.New(coordinator.Config{
//	    Versions:  versions,
//	    Conflicts: conflicts,
//	    Canonical: canonical,
//	    Cache:     cacheStore,
//	    Queue:     offlineQueue,
//	    Notifier:  publisher,
//	})
//	if err != nil {
//	    return err
//	}
//
//	res, err := coord.Sync(ctx, coordinator.Request{
//	    UserID:       "u1",
//	    DeviceID:     "phone",
//	    Connectivity: types.ConnectivityOnline,
//	    Changes:      changes,
//	})
//
// Conflicts are resolved automatically unless the device's Policy asks
// for manual resolution; those are stored in the conflict repository and
// later settled with ResolveManually.
package coordinator
