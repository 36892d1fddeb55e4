// Package protocol defines the JSON frames exchanged with scanning agents.
//
// Every frame is a JSON object with a "type" discriminator:
//
//	server -> agent  {"type":"agent.registered","id":"<agent_id>"}
//	agent  -> server {"type":"agent.heartbeat","capabilities":{...},"asset_profile":{...},
//	                  "sbom":[...],"cves":[...],"findings_count":N,"ephemeral":bool,
//	                  "instance_id":"...","runtime":"...","tenant_id":"..."}
//	server -> agent  {"type":"rule.push","id":"<job_id>","payload":"<base64 rule>"}
//	agent  -> server {"type":"rule.compile.result","id":"<job_id>","success":bool,"diagnostics":"..."}
//
// Payload shapes reported by agents vary by fleet, so heartbeat fields are
// kept as open maps and lists.
package protocol
