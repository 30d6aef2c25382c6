// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads engine configuration from YAML documents.
//
// Keys which are not present keep their default values:
//
//	whole_block_spills: true
//	short_reach: 64
//	layout:
//	  chunk_shift: 16
package config

import (
	"io"
	"os"

	"gate.computer/memcheck"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// Load a configuration layered over memcheck.DefaultConfig.  Unknown keys
// are an error.  The result is validated.
func Load(r io.Reader) (cfg memcheck.Config, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		err = xerrors.Errorf("config: %w", err)
		return
	}

	cfg = memcheck.DefaultConfig()

	if err = yaml.UnmarshalStrict(data, &cfg); err != nil {
		err = xerrors.Errorf("config: %w", err)
		return
	}

	err = cfg.Validate()
	return
}

// LoadFile is like Load.  An empty filename yields the default configuration.
func LoadFile(filename string) (cfg memcheck.Config, err error) {
	if filename == "" {
		cfg = memcheck.DefaultConfig()
		return
	}

	f, err := os.Open(filename)
	if err != nil {
		return
	}
	defer f.Close()

	return Load(f)
}

// Dump writes the configuration as YAML.
func Dump(w io.Writer, cfg memcheck.Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return xerrors.Errorf("config: %w", err)
	}

	_, err = w.Write(data)
	return err
}
