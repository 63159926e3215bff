package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML document --config/POGO_CONFIG points
// at. Every field mirrors a flag; flags explicitly set on the command
// line always win over the file, matching the precedence the teacher's
// cmd.Context gives env vars over flag defaults.
type fileConfig struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	DataDir         string   `yaml:"data_dir"`
	Bind            string   `yaml:"bind"`
	SerfAddr        string   `yaml:"serf_addr"`
	EncryptKey      string   `yaml:"encrypt"`
	RaftAddr        string   `yaml:"raft_addr"`
	RaftAdvertise   string   `yaml:"raft_advertise"`
	Bootstrap       bool     `yaml:"bootstrap"`
	BootstrapExpect int      `yaml:"bootstrap_expect"`
	Join            []string `yaml:"join"`
	WorkerBind      string   `yaml:"worker_bind"`
	WorkerCert      string   `yaml:"worker_cert"`
	WorkerKey       string   `yaml:"worker_key"`
	WorkerCA        string   `yaml:"worker_ca"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	if path == "" {
		return &fileConfig{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, newUsageError("cmd/pogo: read config file", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, newUsageError("cmd/pogo: parse config file", err)
	}
	return &fc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
