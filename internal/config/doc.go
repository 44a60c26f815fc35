// Package config handles configuration loading for storygate.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${STORYGATE_DB_PATH}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sync:
//	  coalescing_window: "250ms"
//	  staleness_threshold: 5   # versions behind before full resync
//	  propagation_timeout: "2s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/storygate/sessions.db"
//
// Session lifecycle:
//
//	sessions:
//	  idle_ttl: "30m"
//
// Engine timing:
//
//	engine:
//	  router_timeout: "10s"
//	  switch_timeout: "5s"
//	  stream_chunk_size: 8
//
// Conflict policy:
//
//	conflict:
//	  precedence: ["voice_assistant", "web_chat", "mobile_voice", "direct_api"]
//	  user_preferences:
//	    emotional.mood: "voice_assistant"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Required server address and database path
//   - Duration format validity
//   - Precedence list uniqueness
//   - Logging format values
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/storygate/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
