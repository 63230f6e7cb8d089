// Package dedup implements the per-host alert deduplication state machine.
//
//	Unseen      --sighting-->                    ArmedSilent (silent)
//	ArmedSilent --sighting, age < window-->      Alerting    (notify once)
//	Alerting    --sighting, age < window-->      Alerting    (silent)
//	any         --sighting, age >= window-->     Rearmed     (silent, timer reset)
//
// Age is measured from the first sighting of the current incident. State is
// kept in a Store: MemoryStore (LRU-capped, TTL-evicted) or RedisStore.
package dedup
