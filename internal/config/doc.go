// Package config handles configuration loading for fold-relay.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The file extension picks the format: ".toml" is TOML, anything
// else is YAML. The package applies defaults and validates the result.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FOLD_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fold/relay.yaml
//  3. ~/.config/fold/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	api:
//	  jwt_secret: "${FOLD_RELAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pipeline:
//	  debounce: "30s"
//	  inter_chunk_delay: "2s"
//
// # Pipeline Overrides
//
// The pipeline section overrides the stock settings for every conversation.
// The tenants and conversations sections narrow it further:
//
//	pipeline:
//	  max_chars_per_chunk: 200
//	tenants:
//	  acme:
//	    split_strategy: smart
//	conversations:
//	  "acme:!ops:example.org":
//	    debounce: "10s"
//	    annotate_sequence: true
//
// Config.PipelineFor resolves the effective settings for one conversation,
// layering defaults, pipeline, tenant and conversation in that order.
//
// # Example Configuration
//
//	database:
//	  path: "./data/relay.db"
//
//	logging:
//	  level: "info"     # debug, info, warn, error
//	  format: "text"    # text or json
//
//	matrix:
//	  enabled: true
//	  homeserver: "https://matrix.org"
//	  user_id: "@relay:matrix.org"
//	  access_token: "${MATRIX_TOKEN}"
//	  tenant: "matrix"
//	  markdown: true
//
//	generator:
//	  provider: "openai"  # openai or gateway
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//	    model: "gpt-4o-mini"
//
//	api:
//	  enabled: true
//	  addr: "127.0.0.1:8090"
//	  jwt_secret: "${FOLD_RELAY_JWT_SECRET}"
//
//	worker:
//	  concurrency: 5
//	  stall_threshold: "30s"
package config
