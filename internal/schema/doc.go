// Package schema defines the data shapes of the sync core.
//
// # Entities
//
// Every stored record embeds Base (id, tenant, last_modified, version,
// sync_status, deleted) and is one of a closed set of variants:
//
//   - Workout: ordered Exercises, duration, completion timestamps, notes
//   - Exercise: belongs to a Workout, ordered Sets, rest time, order
//   - Set: belongs to an Exercise, reps/weight/duration/distance, order
//   - UserProfile: server-owned email, name, nested profile document
//
// Ordering inside a parent always comes from the explicit order field,
// never from slice position, because merges may reorder children.
//
// Decode dispatches on Kind with an exhaustive switch:
//
//	e, err := schema.Decode(schema.KindWorkout, data)
//	if err != nil {
//	    return err
//	}
//	w := e.(*schema.Workout)
//
// # Sync records
//
//   - SyncOperation: a queued local mutation (create, update, delete)
//   - Change: a remote mutation from pull or the real-time channel
//   - ConflictRecord: both sides of a divergence awaiting resolution
//
// # Spool files
//
// Other processes on the device can hand mutations to the daemon by
// dropping MutationFile JSON documents into the spool directory:
//
//	{
//	  "id": "6b0c…",
//	  "type": "update",
//	  "entity_type": "set",
//	  "entity_id": "set-1",
//	  "data": {"id": "set-1", "exercise_id": "ex-1", "reps": 12}
//	}
package schema
