package pool

import (
	"fmt"
	"os"
	"time"

	"github.com/ZenLiuCN/hotlib"
	"gopkg.in/yaml.v3"
)

// Config lists the libraries of a pool, usually read from YAML:
//
//	libraries:
//	  - dir: target/debug
//	    name: game
//	    debounce: 200ms
type Config struct {
	Libraries []Library `yaml:"libraries"`
}

// Library is one entry of Config.
type Library struct {
	Dir      string        `yaml:"dir"`
	Name     string        `yaml:"name"`
	Debounce time.Duration `yaml:"debounce,omitempty"`
}

// LoadConfig reads a YAML pool configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := new(Config)
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, l := range c.Libraries {
		if l.Name == "" {
			return nil, fmt.Errorf("parse %s: library %d has no name", path, i)
		}
		if l.Dir == "" {
			c.Libraries[i].Dir = "."
		}
	}
	return c, nil
}

// Apply loads every library of c into the pool. Libraries loaded before an error stay loaded.
func (p *Pool) Apply(c *Config) error {
	for _, l := range c.Libraries {
		var opts []hotlib.Option
		if l.Debounce > 0 {
			opts = append(opts, hotlib.WithDebounce(l.Debounce))
		}
		if err := p.Load(l.Dir, l.Name, opts...); err != nil {
			return err
		}
	}
	return nil
}
