// Package config handles configuration loading for support-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, then validated. Shop personalities and policies live in a
// separate TOML file referenced by shops.path (see package shops).
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SUPPORT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/support-gateway/gateway.yaml
//  3. ~/.config/support-gateway/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	providers:
//	  - name: anthropic
//	    api_key: "${ANTHROPIC_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	orchestrator:
//	  provider_timeout: "60s"
//	  inflight_ttl: "2m"
//	  health_interval: "1m"
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # optional, serves grpc.health.v1
//	database:
//	  path: "~/.local/share/support-gateway/support.db"
//
// Providers are tried in the order chosen per shop (preferred, fallback,
// then ascending priority):
//
//	providers:
//	  - name: anthropic
//	    type: anthropic
//	    model: claude-3-5-haiku-latest
//	    priority: 1
//	  - name: openai
//	    type: openai
//	    model: gpt-4o-mini
//	    priority: 2
//
// Escalation and fan-out:
//
//	escalation:
//	  slack:
//	    enabled: true
//	    bot_token: "${SLACK_BOT_TOKEN}"
//	    channel: "C0123456"
//	redis:
//	  enabled: true
//	  addr: "localhost:6379"
//
// An empty auth.jwt_secret disables the agent console API.
package config
