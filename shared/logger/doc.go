// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for the gateway components.

Each entry is a single JSON line carrying the timestamp, level, component,
instance id (INSTANCE_ID), container hostname, tenant id, request id, the
message and optional fields:

	log := logger.New("pipeline")
	log.Info("tenant-42", "req-1", "request routed", map[string]interface{}{
	    "provider": "openai",
	})

Request content must never be passed in fields; log hashes, lengths or
categories instead.

Logger instances are safe for concurrent use.
*/
package logger
