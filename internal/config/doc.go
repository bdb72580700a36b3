// Package config handles configuration loading for consult-relay and
// consult-chat.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. Empty fields get the defaults named by the Default constants.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CONSULT_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	client:
//	  retry_interval: "5s"
//	  publish_timeout: "15s"
//	  match_tolerance: "10s"
//
// # Configuration Sections
//
// Relay listener:
//
//	relay:
//	  http_addr: "127.0.0.1:8080"   # room API, STOMP endpoint, metrics
//	  ws_path: "/ws"
//	  allowed_origins: ["*"]
//	  dedupe_ttl: "10m"
//
// Session manager:
//
//	client:
//	  relay_url: "ws://127.0.0.1:8080/ws"
//	  api_url: "http://127.0.0.1:8080"
//	  max_attempts: 10
//	  strict_system: false
//
// Multi-replica fan-out:
//
//	redis:
//	  enabled: true
//	  url: "redis://localhost:6379/0"
//	  channel: "consult"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load validates:
//
//   - JWT secret minimum length (32 bytes)
//   - Database path presence
//   - Duration format validity
//   - Redis URL when Redis fan-out is enabled
package config
