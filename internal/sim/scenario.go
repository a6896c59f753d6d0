package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LinkCfg cables one device interface onto a named segment.
type LinkCfg struct {
	Iface   uint8  `yaml:"iface" json:"iface"`
	Segment string `yaml:"segment" json:"segment"`
	Mac     uint8  `yaml:"mac" json:"mac"`
}

type DeviceCfg struct {
	Name           string    `yaml:"name" json:"name"`
	DeviceType     uint32    `yaml:"device_type" json:"device_type"`
	DeviceUniqueID uint32    `yaml:"device_unique_id" json:"device_unique_id"`
	NumInterfaces  uint8     `yaml:"num_interfaces" json:"num_interfaces"`
	Links          []LinkCfg `yaml:"links" json:"links"`
}

type BaseCfg struct {
	Segment string `yaml:"segment" json:"segment"`
	Mac     uint8  `yaml:"mac" json:"mac"`
}

type WaveCfg struct {
	Count    int           `yaml:"count" json:"count"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

type TrafficCfg struct {
	MsgPerDevicePerMin float64 `yaml:"msg_per_device_per_min" json:"msg_per_device_per_min"`
	Command            uint8   `yaml:"command" json:"command"`
}

type LogCfg struct {
	MetricsFile string `yaml:"metrics_file" json:"metrics_file"`
}

type Scenario struct {
	Duration   time.Duration `yaml:"duration" json:"duration"`
	Seed       int64         `yaml:"seed" json:"seed"`
	NetworkID  uint16        `yaml:"network_id" json:"network_id"`
	NetworkKey uint32        `yaml:"network_key" json:"network_key"`
	Base       BaseCfg       `yaml:"base" json:"base"`
	Devices    []DeviceCfg   `yaml:"devices" json:"devices"`
	Waves      WaveCfg       `yaml:"waves" json:"waves"`
	Traffic    TrafficCfg    `yaml:"traffic" json:"traffic"`
	Logging    LogCfg        `yaml:"logging" json:"logging"`
}

func (sc *Scenario) validate() error {
	if sc.Base.Mac == 0 {
		return fmt.Errorf("base mac must be non-zero")
	}
	names := make(map[string]bool, len(sc.Devices))
	for _, d := range sc.Devices {
		if d.Name == "" {
			return fmt.Errorf("device with empty name")
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		names[d.Name] = true
		if len(d.Links) == 0 {
			return fmt.Errorf("device %q has no links", d.Name)
		}
		for _, l := range d.Links {
			if l.Mac == 0 {
				return fmt.Errorf("device %q link mac must be non-zero", d.Name)
			}
		}
	}
	return nil
}

func LoadScenario(path string) (*Scenario, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc := &Scenario{}
	if yaml.Unmarshal(f, sc) != nil {
		// fallback JSON
		if err := json.Unmarshal(f, sc); err != nil {
			return nil, err
		}
	}
	if sc.Waves.Count == 0 {
		sc.Waves.Count = 1
	}
	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}
