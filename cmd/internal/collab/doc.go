// Package collab is the real-time draft collaboration core.
//
// A Registry maps draft ids to live Sessions. A Session owns one replicated Document plus the
// awareness map of its connected peers and serializes every mutation behind a single mutex.
// A Link adapts one duplex Transport (a websocket in production) to the sync protocol defined in
// shared/contracts/collab/v1, running independent read and write loops. Updates fan out to the other
// peers through bounded per-peer queues; a peer whose queue overflows is disconnected instead of
// silently missing updates.
//
// Persistence happens when the last peer leaves (and on checkpoints/shutdown). A Session is evicted
// from the Registry only after a successful save with no peers and no outstanding references.
//
// Lock order: Registry.mu may be held while acquiring Session.mu, never the reverse.
package collab
