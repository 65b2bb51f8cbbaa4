// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package config holds the configuration of the digsd daemon.
package config

import (
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Config holds the digsd configuration.
type Config struct {
	Log          *Log           `mapstructure:"log"          default:"{}"`
	Metrics      *Metrics       `mapstructure:"metrics"      default:"{}"`
	Engine       map[string]any `mapstructure:"engine"`
	Nodes        *Nodes         `mapstructure:"nodes"        default:"{}"`
	Remote       *Remote        `mapstructure:"remote"       default:"{}"`
	Housekeeping *Housekeeping  `mapstructure:"housekeeping" default:"{}"`
	Elements     []*Element     `mapstructure:"elements"`
}

// Log holds the configuration for the logger.
type Log struct {
	Output string `mapstructure:"output" default:"stderr"`
	Mode   string `mapstructure:"mode"   default:"console"`
	Level  string `mapstructure:"level"  default:"info"`
}

// Metrics holds where the prometheus collectors are served.
// An empty address disables the endpoint.
type Metrics struct {
	Address string `mapstructure:"address" default:":9464"`
	Path    string `mapstructure:"path"    default:"/metrics"`
}

// Nodes selects the node registry driver.
type Nodes struct {
	Driver  string         `mapstructure:"driver"  default:"static"`
	Options map[string]any `mapstructure:"options"`
}

// Remote configures the commands run on the storage nodes.
type Remote struct {
	Binary  string   `mapstructure:"binary"  default:"ssh"`
	User    string   `mapstructure:"user"`
	Options []string `mapstructure:"options"`
}

// Housekeeping configures the periodic removal of stale locked files.
type Housekeeping struct {
	Interval    time.Duration `mapstructure:"interval"     default:"1h"`
	Concurrency int           `mapstructure:"concurrency"  default:"4"`
	RunOnStart  bool          `mapstructure:"run_on_start"`
}

// Element is a storage element served by the daemon.
type Element struct {
	Name    string         `mapstructure:"name"`
	Type    string         `mapstructure:"type"`
	Hosts   []string       `mapstructure:"hosts"`
	Options map[string]any `mapstructure:"options"`
}

// Load loads the configuration from the reader.
func Load(r io.Reader) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, err
	}
	var raw map[string]any
	if _, err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "config: error decoding toml data")
	}
	if err := c.parse(raw); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) parse(raw map[string]any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := d.Decode(raw); err != nil {
		return errors.Wrap(err, "config: error decoding configuration")
	}
	return nil
}

// Validate checks that every element is usable.
func (c *Config) Validate() error {
	if len(c.Elements) == 0 {
		return errors.New("config: no storage element configured")
	}
	seen := map[string]bool{}
	for i, e := range c.Elements {
		if e.Name == "" {
			return fmt.Errorf("config: element %d has no name", i)
		}
		if e.Type == "" {
			return fmt.Errorf("config: element %s has no type", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("config: element %s declared twice", e.Name)
		}
		seen[e.Name] = true
	}
	if c.Housekeeping.Interval < 0 {
		return errors.New("config: housekeeping interval must not be negative")
	}
	return nil
}
