// Package config handles configuration loading for pairlink.
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
//	providers:
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  pairing_timeout: "60s"
//	  degraded_timeout: "30s"
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
// Reply policy (initial values, mutable at runtime via the API):
//
//	reply:
//	  provider: "openai"     # openai, anthropic
//	  auto_reply: true
//	  system_prompt: "You are a helpful assistant."
//	  temperature: 0.7
//
// Completion backends:
//
//	providers:
//	  openai:
//	    enabled: true
//	    api_key: "${OPENAI_API_KEY}"
//	    model: "gpt-4o-mini"
//	    timeout: "60s"
//	  anthropic:
//	    enabled: false
//	    api_key: "${ANTHROPIC_API_KEY}"
//	    model: "claude-sonnet-4-5"
//	    timeout: "60s"
//
// Outbound send retry:
//
//	dispatch:
//	  max_attempts: 3
//	  base_delay: "500ms"
//	  factor: 2
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
