// Copyright 2026 The gVisor Authors.
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

// Package config provides the region-list configuration used by ttctl.
package config

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"gvisor.dev/armtt/pkg/hostarch"
	"gvisor.dev/armtt/pkg/log"
	"gvisor.dev/armtt/pkg/ring0"
	"gvisor.dev/armtt/pkg/ring0/pagetables"
)

// Table memory sources.
const (
	SourceHeap = "heap"
	SourceMmap = "mmap"
)

// Config describes one translation context and the regions mapped into it.
type Config struct {
	// VABits is the input address size. Zero means 48.
	VABits uint `toml:"va_bits" yaml:"va_bits"`

	// ASID tags user mappings.
	ASID uint16 `toml:"asid" yaml:"asid"`

	// Scope is the maintenance domain: nsh, ish, osh or sy.
	Scope string `toml:"scope" yaml:"scope"`

	// Live installs the context before mapping, so that every entry is
	// written with the live replacement sequence.
	Live bool `toml:"live" yaml:"live"`

	// Source selects table memory: heap or mmap.
	Source string `toml:"source" yaml:"source"`

	// MaxTables bounds the number of tables. Zero means unbounded, except
	// for the mmap source which requires a bound.
	MaxTables int `toml:"max_tables" yaml:"max_tables"`

	// Regions is the memory map.
	Regions []RegionConfig `toml:"region" yaml:"regions"`
}

// RegionConfig is one configured region.
type RegionConfig struct {
	Name     string `toml:"name" yaml:"name"`
	Physical uint64 `toml:"physical" yaml:"physical"`
	Virtual  uint64 `toml:"virtual" yaml:"virtual"`
	Length   uint64 `toml:"length" yaml:"length"`

	// Memory is one of writeback, writethrough, writecombine, uncached
	// (device-nGnRnE) or device (device-nGnRE).
	Memory string `toml:"memory" yaml:"memory"`

	// Access is r, rw, rx or rwx.
	Access string `toml:"access" yaml:"access"`

	User bool `toml:"user" yaml:"user"`
}

var memoryTypes = map[string]hostarch.MemoryType{
	"":              hostarch.MemoryTypeWriteBack,
	"writeback":     hostarch.MemoryTypeWriteBack,
	"writethrough":  hostarch.MemoryTypeWriteThrough,
	"writecombine":  hostarch.MemoryTypeWriteCombine,
	"uncached":      hostarch.MemoryTypeUncached,
	"device-ngnrne": hostarch.MemoryTypeUncached,
	"device":        hostarch.MemoryTypeDevice,
	"device-ngnre":  hostarch.MemoryTypeDevice,
}

var accessTypes = map[string]hostarch.AccessType{
	"r":   hostarch.Read,
	"rw":  hostarch.ReadWrite,
	"rx":  hostarch.ReadExecute,
	"rwx": hostarch.AnyAccess,
}

// Load reads a configuration file. The format is chosen by extension:
// .toml, or .yaml and .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	c := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return nil, fmt.Errorf("parsing %q: unknown keys %v", path, undec)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %q: unknown format %q", path, ext)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// Validate checks fields that do not depend on the translation context.
func (c *Config) Validate() error {
	if _, err := ring0.ParseScope(c.scope()); err != nil {
		return err
	}
	switch c.source() {
	case SourceHeap:
	case SourceMmap:
		if c.MaxTables <= 0 {
			return fmt.Errorf("source %q requires max_tables", SourceMmap)
		}
	default:
		return fmt.Errorf("unknown table source %q", c.Source)
	}
	if c.MaxTables < 0 {
		return fmt.Errorf("negative max_tables %d", c.MaxTables)
	}
	for i := range c.Regions {
		if _, err := c.Regions[i].Region(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) scope() string {
	if c.Scope == "" {
		return ring0.InnerShareable.String()
	}
	return c.Scope
}

func (c *Config) source() string {
	if c.Source == "" {
		return SourceHeap
	}
	return c.Source
}

// ScopeValue returns the parsed maintenance scope.
func (c *Config) ScopeValue() ring0.Scope {
	s, err := ring0.ParseScope(c.scope())
	if err != nil {
		panic(fmt.Sprintf("unvalidated config: %v", err))
	}
	return s
}

// SourceName returns the table source, applying the default.
func (c *Config) SourceName() string {
	return c.source()
}

// Opts returns the context options.
func (c *Config) Opts() pagetables.Opts {
	return pagetables.Opts{
		VABits: c.VABits,
		ASID:   c.ASID,
		Scope:  c.ScopeValue(),
	}
}

// Region converts r.
func (r *RegionConfig) Region() (pagetables.Region, error) {
	mt, ok := memoryTypes[strings.ToLower(r.Memory)]
	if !ok {
		return pagetables.Region{}, fmt.Errorf("region %q: unknown memory type %q", r.Name, r.Memory)
	}
	at, ok := accessTypes[strings.ToLower(r.Access)]
	if !ok {
		return pagetables.Region{}, fmt.Errorf("region %q: unknown access %q", r.Name, r.Access)
	}
	return pagetables.Region{
		Name:       r.Name,
		Physical:   r.Physical,
		Virtual:    hostarch.Addr(r.Virtual),
		Length:     r.Length,
		MemoryType: mt,
		AccessType: at,
		User:       r.User,
	}, nil
}

// ToRegions converts every configured region.
func (c *Config) ToRegions() ([]pagetables.Region, error) {
	regions := make([]pagetables.Region, 0, len(c.Regions))
	for i := range c.Regions {
		r, err := c.Regions[i].Region()
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// Log writes the configuration at Info level.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("  VABits: %d, ASID: %d, Scope: %s, Live: %t", c.VABits, c.ASID, c.scope(), c.Live)
	log.Infof("  Source: %s, MaxTables: %d", c.source(), c.MaxTables)
	for _, r := range c.Regions {
		log.Infof("  Region %q: va=%#x pa=%#x len=%#x %s %s user=%t", r.Name, r.Virtual, r.Physical, r.Length, r.Memory, r.Access, r.User)
	}
}

// RegisterFlags registers the flags that override configuration fields.
func RegisterFlags(fs *flag.FlagSet) {
	fs.Uint("va-bits", 0, "input address size, 25 to 48. Overrides va_bits.")
	fs.Uint("asid", 0, "address space identifier. Overrides asid.")
	fs.String("scope", "", "maintenance scope: nsh, ish, osh or sy. Overrides scope.")
	fs.Bool("live", false, "install the context before mapping. Overrides live.")
	fs.String("source", "", "table memory: heap or mmap. Overrides source.")
	fs.Int("max-tables", 0, "maximum number of tables. Overrides max_tables.")
}

// Override returns a copy of c with every flag registered by RegisterFlags
// that was set on fs applied. c is not modified.
func (c *Config) Override(fs *flag.FlagSet) (*Config, error) {
	clone := deepcopy.Copy(c).(*Config)
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		g, ok := f.Value.(flag.Getter)
		if !ok {
			return
		}
		switch f.Name {
		case "va-bits":
			clone.VABits = g.Get().(uint)
		case "asid":
			v := g.Get().(uint)
			if v > 0xffff {
				err = fmt.Errorf("asid %d does not fit in 16 bits", v)
				return
			}
			clone.ASID = uint16(v)
		case "scope":
			clone.Scope = g.Get().(string)
		case "live":
			clone.Live = g.Get().(bool)
		case "source":
			clone.Source = g.Get().(string)
		case "max-tables":
			clone.MaxTables = g.Get().(int)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return clone, nil
}
