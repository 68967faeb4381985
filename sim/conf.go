// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
	"uorb.dev/orb"
)

const v1Alpha1 = "v1alpha1"

// Config describes a simulation config file.
type Config struct {
	Raw     []byte // raw bytes, in HuJSON form
	Std     []byte // standardized JSON form
	Version string // "v1alpha1"

	// Parsed is the parsed config, converted from its raw bytes version to
	// the latest known format.
	Parsed ConfigV1Alpha1
}

// VersionedConfig allows specifying config at the root of the object, or in
// a versioned sub-object.
// e.g. {"version": "v1alpha1", "topics": [...]}
// or {"version": "v1beta1", "v1alpha1": {"topics": [...]}}
type VersionedConfig struct {
	Version string `json:",omitempty"` // "v1alpha1"

	// Latest version of the config.
	*ConfigV1Alpha1

	// Backwards compatibility version(s) of the config.
	V1Alpha1 *ConfigV1Alpha1 `json:",omitempty"`
}

type ConfigV1Alpha1 struct {
	Topics []TopicConfig `json:",omitempty"` // Topics to advertise and publish.
}

// TopicConfig describes one simulated topic.
type TopicConfig struct {
	Name      string  // Topic name, e.g. "sensor_accel".
	Size      int     // Payload size in bytes.
	Instances int     `json:",omitempty"` // Publishers to start; defaults to 1.
	QueueSize int     `json:",omitempty"` // Queue size; 0 means the registry default.
	RateHz    float64 `json:",omitempty"` // Publish rate per instance; 0 publishes once.
	Jitter    float64 `json:",omitempty"` // Fraction of the period to randomize, in [0,1).
	Priority  int     `json:",omitempty"` // Priority of every instance.
	Persist   bool    `json:",omitempty"` // Late subscribers see the current value.
}

// Meta returns the topic's metadata.
func (t TopicConfig) Meta() *orb.Metadata {
	return &orb.Metadata{Name: t.Name, Size: t.Size}
}

func (t TopicConfig) instances() int {
	if t.Instances == 0 {
		return 1
	}
	return t.Instances
}

func (c ConfigV1Alpha1) validate() error {
	seen := map[string]bool{}
	for i, t := range c.Topics {
		var err error
		switch {
		case t.Name == "":
			err = errors.New("missing name")
		case seen[t.Name]:
			err = errors.New("duplicate name")
		case t.Size <= 0:
			err = fmt.Errorf("size %d", t.Size)
		case t.Instances < 0 || t.Instances > orb.MaxInstances:
			err = fmt.Errorf("instances %d not in [1,%d]", t.Instances, orb.MaxInstances)
		case t.QueueSize < 0:
			err = fmt.Errorf("queue size %d", t.QueueSize)
		case t.RateHz < 0:
			err = fmt.Errorf("rate %v", t.RateHz)
		case t.Jitter < 0 || t.Jitter >= 1:
			err = fmt.Errorf("jitter %v not in [0,1)", t.Jitter)
		}
		if err != nil {
			return fmt.Errorf("topic %d (%q): %w", i, t.Name, err)
		}
		seen[t.Name] = true
	}
	return nil
}

// Load parses a HuJSON simulation config.
func Load(raw []byte) (c Config, err error) {
	c.Raw = raw
	c.Std, err = hujson.Standardize(c.Raw)
	if err != nil {
		return c, fmt.Errorf("error parsing config as HuJSON/JSON: %w", err)
	}
	var ver VersionedConfig
	if err := json.Unmarshal(c.Std, &ver); err != nil {
		return c, fmt.Errorf("error parsing config: %w", err)
	}
	rootV1Alpha1 := (ver.Version == v1Alpha1)
	backCompatV1Alpha1 := (ver.V1Alpha1 != nil)
	switch {
	case ver.Version == "":
		return c, errors.New("error parsing config: no \"version\" field provided")
	case rootV1Alpha1 && backCompatV1Alpha1:
		// Exactly one of these should be set.
		return c, errors.New("error parsing config: both root and v1alpha1 config provided")
	case rootV1Alpha1 != backCompatV1Alpha1:
		c.Version = v1Alpha1
		switch {
		case rootV1Alpha1 && ver.ConfigV1Alpha1 != nil:
			c.Parsed = *ver.ConfigV1Alpha1
		case backCompatV1Alpha1:
			c.Parsed = *ver.V1Alpha1
		default:
			c.Parsed = ConfigV1Alpha1{}
		}
	default:
		return c, fmt.Errorf("error parsing config: unsupported \"version\" value %q; want \"%s\"", ver.Version, v1Alpha1)
	}
	if err := c.Parsed.validate(); err != nil {
		return c, fmt.Errorf("error parsing config: %w", err)
	}
	return c, nil
}

// LoadFile reads and parses the config file at path.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Load(raw)
}
