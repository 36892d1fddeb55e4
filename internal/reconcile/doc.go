// Package reconcile implements the background Reconciliation Loop.
//
// Every cleanup interval a Reconciler runs four bounded steps in order:
//
//  1. Archive agents that are disconnected or whose freshness is older than
//     the inactivity threshold (ArchiveBatch rows)
//  2. Purge archive rows older than the retention window
//  3. Delete ephemeral agents whose lease ended more than the grace period
//     ago, when auto delete is enabled (EphemeralBatch rows)
//  4. Delete orphans: rows untouched for orphan_after that are ephemeral or
//     never reported a heartbeat or inventory (OrphanBatch rows)
//
// Steps 3 and 4 skip any agent the LiveSet reports online. A failing step is
// logged and the next one still runs; the loop itself never exits on a store
// error.
package reconcile
