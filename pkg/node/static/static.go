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

package static

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cs3org/digs/pkg/errtypes"
	"github.com/cs3org/digs/pkg/node"
	"github.com/cs3org/digs/pkg/utils/cfg"
	"github.com/pkg/errors"
)

func init() {
	node.Register("static", New)
}

type settings struct {
	Path       string        `mapstructure:"path"`
	Inbox      string        `mapstructure:"inbox"`
	FTPTimeout time.Duration `mapstructure:"ftp_timeout"`
}

type config struct {
	// Nodes maps a hostname, or a regular expression matching whole
	// hostnames, to the node settings.
	Nodes   map[string]settings `mapstructure:"nodes"`
	Default settings            `mapstructure:"default"`
}

func (c *config) ApplyDefaults() {
	if c.Default.FTPTimeout == 0 {
		c.Default.FTPTimeout = 30 * time.Second
	}
}

type rule struct {
	pattern string
	re      *regexp.Regexp
	s       settings
}

type reg struct {
	c     *config
	rules []rule
}

// New returns a node registry configured from a static host table.
func New(m map[string]interface{}) (node.Registry, error) {
	c := &config{}
	if err := cfg.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "static: error decoding conf")
	}

	r := &reg{c: c}
	for pattern, s := range c.Nodes {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, errors.Wrapf(err, "static: invalid host pattern %q", pattern)
		}
		r.rules = append(r.rules, rule{pattern: pattern, re: re, s: s})
	}
	// longest pattern first so the most specific rule wins
	sort.Slice(r.rules, func(i, j int) bool {
		if len(r.rules[i].pattern) != len(r.rules[j].pattern) {
			return len(r.rules[i].pattern) > len(r.rules[j].pattern)
		}
		return r.rules[i].pattern < r.rules[j].pattern
	})
	return r, nil
}

func (r *reg) lookup(host string) (settings, error) {
	host = strings.ToLower(host)
	if s, ok := r.c.Nodes[host]; ok {
		return r.withDefaults(s), nil
	}
	for _, rl := range r.rules {
		if rl.re.MatchString(host) {
			return r.withDefaults(rl.s), nil
		}
	}
	if r.c.Default.Path != "" {
		return r.c.Default, nil
	}
	return settings{}, errtypes.NotFound("node " + host)
}

func (r *reg) withDefaults(s settings) settings {
	if s.Path == "" {
		s.Path = r.c.Default.Path
	}
	if s.Inbox == "" {
		s.Inbox = r.c.Default.Inbox
	}
	if s.FTPTimeout == 0 {
		s.FTPTimeout = r.c.Default.FTPTimeout
	}
	return s
}

func (r *reg) PathForHost(host string) (string, error) {
	s, err := r.lookup(host)
	if err != nil {
		return "", err
	}
	return s.Path, nil
}

func (r *reg) InboxForHost(host string) (string, error) {
	s, err := r.lookup(host)
	if err != nil {
		return "", err
	}
	return s.Inbox, nil
}

func (r *reg) FTPTimeoutForHost(host string) (time.Duration, error) {
	s, err := r.lookup(host)
	if err != nil {
		return 0, err
	}
	return s.FTPTimeout, nil
}
