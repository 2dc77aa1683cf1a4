// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"github.com/aivo-ai/aivo-virtual-brain-sub000/orchestrator"
)

func main() {
	orchestrator.Run()
}
