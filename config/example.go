// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

// GenerateExampleConfigFile returns a commented example configuration.
func GenerateExampleConfigFile() string {
	return `# Gateway configuration
# Environment variables can be referenced using ${VAR_NAME} or ${VAR_NAME:-default} syntax

version: "1.0"

server:
  port: "${PORT:-8080}"
  allowed_origins: ["*"]
  shutdown_timeout: 15s

providers:
  - id: openai-primary
    type: openai
    cost_rank: 3
    cost_per_1k: 0.01
  - id: anthropic-primary
    type: anthropic
    cost_rank: 2
    cost_per_1k: 0.008
  - id: local-llama
    type: ollama
    cost_rank: 1
    cost_per_1k: 0.0
    mock:
      latency: 20ms

routing:
  policies:
    - name: enterprise
      subject_pattern: "enterprise/*"
      sla_tiers: [premium, enterprise]
      preferred: [anthropic-primary, openai-primary]
      fallback: [local-llama]
      strategy: priority
      failover_mode: retry_with_backoff
      max_retries: 2
      timeout_multiplier: 1.5
    - name: classroom
      subject_pattern: "*"
      locale_patterns: ["en*"]
      preferred: [local-llama, anthropic-primary]
      strategy: load_balance
      failover_mode: circuit_breaker
      cost_ceiling: 0.009
  default_policy:
    preferred: [openai-primary, anthropic-primary, local-llama]
    strategy: priority

health:
  cooldown: 5m
  min_requests: 5
  failure_rate_threshold: 0.5
  ema_alpha: 0.1
  redis:
    url: "${REDIS_URL:-}"

pii:
  mode: mask
  threshold: 0.7

safety:
  webhooks:
    counselor:
      url: "${COUNSELOR_WEBHOOK_URL:-https://hooks.example.com/counselor}"
  policies:
    - subject: "*"
      grade_band: elementary
      notification_webhooks: [counselor]
    - subject: health
      grade_band: high
      allowed_topics: ["contraception"]
  audit:
    database_url: "${DATABASE_URL:-}"
    queue_size: 1000
    workers: 2
`
}
