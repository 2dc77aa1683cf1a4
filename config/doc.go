// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package config loads the gateway's YAML configuration: providers, routing
// policies, health tracking, PII scrubbing and safety policy overrides.
//
// Values may reference environment variables as ${VAR} or ${VAR:-default};
// a bare $ is kept literally. Files are validated on load; Loader.Reload keeps the previous
// configuration when the new one is invalid.
package config
