// Package gateway orchestrates the yaragent orchestrator's server components.
//
// # Overview
//
// The Gateway owns the control-state store, the agent registry and
// dispatcher, the reconciliation loop and the HTTP server. It exposes the
// agent WebSocket endpoint and the JSON API used by operators.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx)
//
// Run performs the startup sweep (archive and purge), starts the
// reconciliation loop and serves HTTP until ctx is cancelled. Shutdown then
// stops the loop, drains HTTP, closes every agent socket with a going-away
// frame, waits for session teardown to persist and closes the store.
//
// # Endpoints
//
// Unauthenticated:
//
//	GET /health                    liveness, plain "OK"
//	GET /health/ready              store ping and live agent count
//	GET /agent/ws                  agent WebSocket session
//
// Behind bearer auth when configured (api_token or JWT):
//
//	GET  /api/auth/validate
//	GET  /api/agents               ?tenant_id=
//	GET  /api/agents/archived      ?tenant_id=
//	GET  /api/agents/{id}/profile
//	GET  /api/agents/{id}/jobs     ?limit= (default 50, max 500)
//	GET  /api/jobs/{id}
//	POST /api/push_rule
//
// POST /api/push_rule blocks until the agent answers with
// rule.compile.result or the dispatch timeout elapses, and returns the
// agent's reply verbatim.
//
// # Agent session
//
// The agent connects with optional query parameters agent_id, ephemeral,
// instance_id, runtime and tenant_id. The first frame it receives is
// agent.registered carrying its effective id. Every later inbound text
// frame updates the agent row; frames answering a pending dispatch are
// delivered to the waiting caller. A newer session for the same id closes
// the older one.
package gateway
