// Package agent manages live connections to remote yaragent scanners.
//
// # Overview
//
// The agent package owns the Connection Registry, the per-connection
// session handling, and the Command Dispatcher. Session state is mirrored
// into the Control-State Store as it changes.
//
// # Manager
//
// The Manager tracks all connected agents:
//
//	mgr := agent.NewManager(st, cfg.Agents.EphemeralLease, logger)
//
// Key operations:
//
//   - Connect(ctx, params, transport): register a session, persist it, send agent.registered
//   - HandleFrame(ctx, conn, data): process one inbound frame
//   - Disconnect(ctx, conn): end a session if it still owns its registry entry
//   - GetAgent(id), IsOnline(id), ListAgents(), Count()
//
// At most one connection exists per agent id. A reconnect closes the older
// transport and takes over the entry; the older session's Disconnect then
// finds it no longer owns the entry and changes nothing.
//
// # Heartbeats
//
// An agent.heartbeat frame replaces the cached capability map, asset profile,
// SBOM and CVE list when present, infers ephemerality from a containerized
// runtime, renews the ephemeral lease and writes everything in one upsert.
// Every other valid frame only refreshes last_seen.
//
// # Command Dispatch
//
// The Dispatcher correlates replies per job id:
//
//  1. Register a waiter on the connection for the job id and reply type
//  2. Record the CommandJob as queued
//  3. Write the command frame and mark the job sent
//  4. Wait for the waiter or the timeout
//
// HandleFrame hands a frame to a waiter only when both its id and its type
// match; heartbeats and replies for other jobs are never consumed. Several
// commands may be in flight to one agent at once.
//
// # Thread Safety
//
// Manager and Connection are safe for concurrent use. Frames from one
// connection are processed in order by that connection's read loop.
package agent
