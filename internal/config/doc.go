// Package config handles configuration loading for hearth-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from HEARTH_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/hearth/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	llm:
//	  api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	llm:
//	  call_timeout: "90s"
//	workers:
//	  task_timeout: "5m"
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
//	  path: "/var/lib/hearth/gateway.db"
//
// Model provider:
//
//	llm:
//	  provider: "anthropic"        # openai or anthropic
//	  model: "claude-sonnet-4-5"
//	  api_key: "${ANTHROPIC_API_KEY}"
//	  call_timeout: "120s"
//	  max_retries: 3
//
// Agent loop:
//
//	agent:
//	  name: "hearth"
//	  owner: "user-1"
//	  consumers: 4
//	  max_iterations: 10
//	  wake_interval: "30m"
//
// Worker pool:
//
//	workers:
//	  enabled: true
//	  count: 2
//	  command: "./hearth-worker"
//	  task_timeout: "5m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/hearth/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
