package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadFile overlays the YAML run descriptor at path onto cfg.
//
// Keys absent from the file keep their current values. Relative firmware,
// host, and work_dir paths are resolved against the file's directory.
//
// Example:
//
//	firmware: bin/app.xe
//	adapter_id: EHV92U6D
//	startup_timeout: 30s
//	target_args: ["--io"]
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read run descriptor: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse run descriptor %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve run descriptor path: %w", err)
	}
	cfg.ConfigFile = abs

	return WithWorkingDir(filepath.Dir(abs), func() error {
		for _, p := range []*string{&cfg.Firmware, &cfg.HostPath, &cfg.WorkDir} {
			if *p == "" || filepath.IsAbs(*p) {
				continue
			}
			resolved, err := filepath.Abs(*p)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", *p, err)
			}
			*p = resolved
		}
		return nil
	})
}

// WithWorkingDir runs fn with the process working directory set to dir and
// restores the previous directory afterwards, including when fn fails.
//
// The working directory is process-wide; callers must not run this
// concurrently with anything else that depends on it.
func WithWorkingDir(dir string, fn func() error) (err error) {
	prev, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	if err := os.Chdir(dir); err != nil {
		return fmt.Errorf("enter %s: %w", dir, err)
	}
	defer func() {
		if cerr := os.Chdir(prev); cerr != nil && err == nil {
			err = fmt.Errorf("restore working directory %s: %w", prev, cerr)
		}
	}()

	return fn()
}
