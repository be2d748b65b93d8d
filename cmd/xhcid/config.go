package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loadable from a YAML file. Flags
// override individual fields after loading.
type Config struct {
	Device struct {
		// Resource is the sysfs path of the memory BAR holding the
		// controller's register file, e.g.
		// /sys/bus/pci/devices/0000:00:14.0/resource0.
		Resource string `yaml:"resource"`

		// IrqFile, when set, is read to wait for interrupts (a VFIO
		// eventfd or a uio device file). Empty selects polling.
		IrqFile string `yaml:"irq_file"`

		// PollInterval is the event ring poll period when no IrqFile
		// is configured.
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"device"`

	Rings struct {
		CommandEntries int `yaml:"command_entries"`
		EventEntries   int `yaml:"event_entries"`
	} `yaml:"rings"`

	Debug bool `yaml:"debug"`
}

func defaultConfig() Config {
	var c Config
	c.Device.PollInterval = 100 * time.Microsecond
	c.Rings.CommandEntries = 256
	c.Rings.EventEntries = 256
	return c
}

// loadConfig reads a YAML config file over the defaults. A missing path
// returns the defaults unchanged.
func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Device.Resource == "" {
		return fmt.Errorf("no PCI resource file configured")
	}
	if c.Rings.CommandEntries < 2 || c.Rings.EventEntries < 16 {
		return fmt.Errorf("ring sizes too small: command %d, event %d",
			c.Rings.CommandEntries, c.Rings.EventEntries)
	}
	if c.Device.IrqFile == "" && c.Device.PollInterval <= 0 {
		return fmt.Errorf("polling mode needs a positive poll_interval")
	}
	return nil
}
