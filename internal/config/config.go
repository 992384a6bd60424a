package config

import (
	"encoding/json"
	"os"
)

// Create new config instance
func NewConfig() *Config {
	return &Config{}
}

// Load configuration file in json format and apply defaults for
// anything the file leaves unset.
func (c *Config) Read(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.Conversion.MaxQuality == 0 {
		c.Conversion.MaxQuality = 100
	}
	if c.Conversion.DefaultQualityLossy == 0 {
		c.Conversion.DefaultQualityLossy = 85
	}
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 4
	}
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = 50
	}
	if c.Dispatcher.Stream == "" {
		c.Dispatcher.Stream = "converthub:jobs"
	}
	if c.Dispatcher.Group == "" {
		c.Dispatcher.Group = "converters"
	}
	if c.Dispatcher.BlockTimeout == 0 {
		c.Dispatcher.BlockTimeout = 5
	}
	if c.Dispatcher.PollInterval == 0 {
		c.Dispatcher.PollInterval = 15
	}
	if c.Dispatcher.ClaimTimeout == 0 {
		c.Dispatcher.ClaimTimeout = 300
	}
	if c.Dispatcher.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "converter-1"
		}
		c.Dispatcher.Consumer = host
	}
}
