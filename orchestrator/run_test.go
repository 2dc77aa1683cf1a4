// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/config"
)

func TestReloadConfig(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantOK    bool
		wantLog   string
		providers int
	}{
		{"valid file", routingConfig, true, "reloading", 2},
		{"malformed yaml", "version: [", false, "Config reload failed, keeping current configuration", 2},
		{"invalid config", "version: \"1.0\"\nproviders: []\n", false, "at least one provider", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gateway.yaml")
			require.NoError(t, os.WriteFile(path, []byte(routingConfig), 0600))
			loader, err := config.NewLoader(path)
			require.NoError(t, err)
			before := loader.Current()

			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))
			var buf bytes.Buffer
			ok := reloadConfig(loader, log.New(&buf, "", 0))

			assert.Equal(t, tt.wantOK, ok)
			assert.Contains(t, buf.String(), tt.wantLog)
			assert.Len(t, loader.Current().Providers, tt.providers)
			if !tt.wantOK {
				assert.Same(t, before, loader.Current())
			}
		})
	}
}
