package utils

import (
	"encoding/json"
	"os"
	"time"

	"github.com/janhicken/schedoscope/dispatcher"
)

// Config is the on-disk shape of the dispatcher configuration. Durations are
// strings in time.ParseDuration syntax.
type Config struct {
	DrainOnShutdown bool                  `json:"drain_on_shutdown"`
	BackoffSeed     int64                 `json:"backoff_seed,omitempty"`
	Types           map[string]TypeConfig `json:"types"`
}

// TypeConfig configures one transformation type on disk.
type TypeConfig struct {
	Concurrency     int      `json:"concurrency"`
	BackoffSlot     string   `json:"backoff_slot_time"`
	BackoffMinDelay string   `json:"backoff_minimum_delay"`
	Libs            []string `json:"libs,omitempty"`
	Unpack          bool     `json:"unpack,omitempty"`
	Location        string   `json:"location,omitempty"`
}

// ToDispatcher converts the file shape into the dispatcher configuration.
func (c *Config) ToDispatcher() (dispatcher.Config, error) {
	out := dispatcher.Config{
		DrainOnShutdown: c.DrainOnShutdown,
		BackoffSeed:     c.BackoffSeed,
		Types:           make(map[string]dispatcher.TypeConfig, len(c.Types)),
	}

	for name, tc := range c.Types {
		slot, err := time.ParseDuration(tc.BackoffSlot)
		if err != nil {
			return dispatcher.Config{}, err
		}

		minDelay, err := time.ParseDuration(tc.BackoffMinDelay)
		if err != nil {
			return dispatcher.Config{}, err
		}

		out.Types[name] = dispatcher.TypeConfig{
			Concurrency:     tc.Concurrency,
			BackoffSlot:     slot,
			BackoffMinDelay: minDelay,
			Deploy: dispatcher.DeploySettings{
				Libs:     tc.Libs,
				Unpack:   tc.Unpack,
				Location: tc.Location,
			},
		}
	}

	return out, nil
}

func WriteConfig(config *Config, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc := json.NewEncoder(f)
	return enc.Encode(config)
}

func ReadConfig(path string) (config *Config, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	dec := json.NewDecoder(f)
	config = &Config{}
	if err := dec.Decode(config); err != nil {
		return nil, err
	}

	return config, nil
}
