// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import (
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk YAML shape consumed by OpenConfigFile: a
// default Quota applied to every principal unless an authenticator
// overrides it, plus the listener addresses a deployment wires up.
type FileConfig struct {
	Broker struct {
		Quota     Quota  `yaml:"quota"`
		TCPListen string `yaml:"tcp_listen"`
		WSListen  string `yaml:"ws_listen"`
		LedgerPath string `yaml:"ledger_path"`
		AuditPath  string `yaml:"audit_path"`
	} `yaml:"broker"`
}

// OpenConfigFile reads and parses a YAML config file at p. An empty p
// returns a zero-value config rather than an error, mirroring the
// teacher's OpenConfigFile.
func OpenConfigFile(p string) (*FileConfig, error) {
	if p == "" {
		slog.Default().Debug("no config file path provided")
		return &FileConfig{}, nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	cfg := new(FileConfig)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
