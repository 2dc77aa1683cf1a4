// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Command gateway runs the inference gateway: PII scrubbing, content
moderation, policy-based provider routing and failover behind one HTTP API.

# Usage

	gateway

# Environment Variables

  - GATEWAY_CONFIG: path to the YAML configuration file. Without it the
    gateway starts with two local mock providers.
  - PORT: HTTP server port (default: 8080)
  - DATABASE_URL: PostgreSQL connection string for the moderation audit trail
  - REDIS_URL: Redis URL used to share circuit-breaker state between replicas
  - INSTANCE_ID: instance identifier written to structured logs

A .env file in the working directory is loaded first when present.

# Signals

SIGHUP reloads the configuration file. Routing policies and the safety
policy matrix are swapped atomically; in-flight requests keep the set they
started with. SIGINT and SIGTERM drain the audit queue and stop the server.

# Example

	gatewayctl example-config > gateway.yaml
	GATEWAY_CONFIG=gateway.yaml ./gateway
*/
package main
