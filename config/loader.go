// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// Parse expands environment references in data, decodes it, applies
// defaults and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	expanded := expandEnvVars(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	f.applyDefaults()

	if err := ValidateConfigFile(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Loader keeps the current configuration and re-reads it on demand.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *File
	handlers []func(*File)
	logger   *log.Logger
}

// NewLoader loads path once. An empty path yields Default() and Reload is a
// no-op.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{
		path:   path,
		logger: log.New(os.Stdout, "[CONFIG] ", log.LstdFlags),
	}
	if path == "" {
		l.current = Default()
		return l, nil
	}
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	l.current = f
	return l, nil
}

// Path returns the file being watched, or "".
func (l *Loader) Path() string {
	return l.path
}

// Current returns the active configuration.
func (l *Loader) Current() *File {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnReload registers fn to run after each successful Reload.
func (l *Loader) OnReload(fn func(*File)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
}

// Reload re-reads the file. On error the previous configuration stays active.
func (l *Loader) Reload() error {
	if l.path == "" {
		return nil
	}
	f, err := Load(l.path)
	if err != nil {
		l.logger.Printf("reload of %s failed, keeping previous config: %v", l.path, err)
		return err
	}

	l.mu.Lock()
	l.current = f
	handlers := append([]func(*File){}, l.handlers...)
	l.mu.Unlock()

	for _, fn := range handlers {
		fn(f)
	}
	l.logger.Printf("reloaded %s", l.path)
	return nil
}

// envVarRegex matches ${VAR} and ${VAR:-default}. Bare $VAR is left alone so
// regular expressions in rule patterns keep their anchors.
var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
// Undefined variables without a default become empty.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarRegex.FindStringSubmatch(match)
		if value := os.Getenv(groups[1]); value != "" {
			return value
		}
		return groups[2]
	})
}
