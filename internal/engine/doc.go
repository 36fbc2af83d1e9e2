// Package engine reconciles the local store with the remote server.
//
// Local writes go through QueueChange: the entity is saved as pending and
// one operation per write is queued. A cycle (ForceSyncNow, the Run ticker,
// a reconnect or a retry timer) then:
//
//  1. pushes due operations oldest first, in batches, one per entity at a
//     time; an entity's next operation goes out once the previous is acked
//  2. acks accepted operations, hands conflicts to the resolver and
//     reschedules failures with backoff until the retry ceiling
//  3. pulls changes newer than the checkpoint and applies them
//  4. moves the checkpoint
//
// Only one cycle runs at a time; concurrent callers share its result.
// Real-time changes use the same apply path as pulls. Entities without
// local work are written without waiting for a cycle. Applying is keyed on
// the entity version, so a change delivered twice, or by both pull and
// real-time, is written once.
//
// Conflicts the resolver cannot decide are stored, mark the entity as
// conflict and block its operations until ResolveConflict is called,
// usually from an OnConflictNeedsInput listener. AwaitConflict waits for
// that choice.
package engine
