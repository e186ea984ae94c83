// Package config reads the runtime configuration source.
//
// The source is a YAML document:
//
//	version: "1.0"
//	maxStreamNum: 64
//	maxStreamDepth: 1024
//	timeoutMonitorGranularity: 10   # ms
//	defaultTaskExeTimeout: 30000    # ms
//
// Omitted keys are left zero; the caller applies defaults and clamping.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrEmpty reports a source with no document
var ErrEmpty = errors.New("config: empty source")

// File mirrors the on-disk configuration.
type File struct {
	Version                   string `yaml:"version"`
	MaxStreamNum              int    `yaml:"maxStreamNum"`
	MaxStreamDepth            int    `yaml:"maxStreamDepth"`
	TimeoutMonitorGranularity int64  `yaml:"timeoutMonitorGranularity"`
	DefaultTaskExeTimeout     int64  `yaml:"defaultTaskExeTimeout"`
}

// Granularity returns TimeoutMonitorGranularity as a duration.
func (f *File) Granularity() time.Duration {
	return time.Duration(f.TimeoutMonitorGranularity) * time.Millisecond
}

// TaskTimeout returns DefaultTaskExeTimeout as a duration.
func (f *File) TaskTimeout() time.Duration {
	return time.Duration(f.DefaultTaskExeTimeout) * time.Millisecond
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Marshal encodes f as YAML.
func Marshal(f *File) ([]byte, error) {
	return yaml.Marshal(f)
}
