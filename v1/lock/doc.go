// Package lock provides a distributed mutual-exclusion lock over a kv.Store.
//
// Acquire never waits: it performs a single SetNX with a fresh random token
// and either returns a Handle or reports that the key is held. Release deletes
// the key only while it still holds the handle's token, using the store's
// atomic compare-and-delete, so a holder whose lock expired can never remove
// the lock of the next holder. Locks always carry a TTL, which is the only
// recovery mechanism for crashed holders.
//
// Lock and unlock events can be propagated through an events.Bus, letting
// callers build their own wait and backoff on top of Acquire.
package lock
