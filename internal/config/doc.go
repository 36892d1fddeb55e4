// Package config handles configuration loading for the yaragent orchestrator.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Missing keys keep their defaults and agent timing values are
// raised to fixed floors.
//
// # Configuration File
//
// Default location:
//
//  1. Path from YARAGENT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/yaragent/orchestrator.yaml (~/.config when unset)
//
// A file with a .toml extension is decoded as TOML, anything else as YAML.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${YARAGENT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8002"
//
//	database:
//	  driver: sqlite          # or postgres
//	  path: ./yaragent.db     # sqlite
//	  dsn: postgres://...     # postgres
//
//	auth:
//	  jwt_secret: ""          # empty jwt_secret and api_token disable auth
//	  api_token: ""
//
//	agents:
//	  stale_after: 90s
//	  heartbeat_interval: 30s      # floor 1s
//	  max_missed_heartbeats: 3     # floor 1
//	  ephemeral_lease: 120s        # floor 30s
//	  ephemeral_grace: 300s
//	  cleanup_interval: 60s        # floor 10s
//	  auto_delete_ephemeral: true
//	  orphan_after: 6h             # floor 5m
//	  stale_retention_days: 30     # floor 1
//	  dispatch_timeout: 15s
//
//	logging:
//	  level: info                  # debug, info, warn, error
//	  format: text                 # text or json
package config
