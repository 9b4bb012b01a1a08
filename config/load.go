package config

import (
	"os"
	"regexp"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/glimte/amqpjobs/job"
)

// Duration decodes from a duration string or a number of seconds.
type Duration = job.Duration

// Load reads a YAML configuration file. ${VAR} references are expanded from
// the environment before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	expanded := envRef.ReplaceAllStringFunc(string(data), func(ref string) string {
		return expandEnv(ref[2 : len(ref)-1])
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}
	if cfg.Connections == nil {
		cfg.Connections = map[string]*Connection{}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRef matches ${VAR} and ${VAR:-default}. Bare $ sequences are left
// as written.
var envRef = regexp.MustCompile(`\$\{([^{}]+)\}`)

// expandEnv resolves VAR and VAR:-default forms.
func expandEnv(key string) string {
	name, fallback := key, ""
	for i := 0; i+1 < len(key); i++ {
		if key[i] == ':' && key[i+1] == '-' {
			name, fallback = key[:i], key[i+2:]
			break
		}
	}
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}
