package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the document read by -f FILE: everything needed to run one
// beam through configure_beam/configure_scan/start_scan without an RPC
// client driving ApplicationManager (spec.md §6 "-f FILE configuration
// file (alternative to RPC control)").
type Config struct {
	Beam      BeamConfig      `yaml:"beam"`
	Scan      ScanConfig      `yaml:"scan"`
	Transport TransportConfig `yaml:"transport"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// BeamConfig carries the configure_beam header fields (spec.md §6).
type BeamConfig struct {
	DataKey    string `yaml:"data_key"`
	WeightsKey string `yaml:"weights_key"`
}

// ScanConfig carries the configure_scan and start_scan header fields.
type ScanConfig struct {
	EbID            string `yaml:"eb_id"`
	ScanID          string `yaml:"scan_id"`
	BeamID          string `yaml:"beam_id"`
	Telescope       string `yaml:"telescope"`
	UtcStart        string `yaml:"utc_start"`
	ObsOffset       uint64 `yaml:"obs_offset"`
	StatProcDelayMs uint32 `yaml:"stat_proc_delay_ms"`
	StatReqTimeBins uint32 `yaml:"stat_req_time_bins"`
	StatReqFreqBins uint32 `yaml:"stat_req_freq_bins"`
	StatNrebin      uint32 `yaml:"stat_nrebin"`
}

// TransportConfig describes the udpring multicast groups backing
// internal/segment/udpring.Producer for this beam.
type TransportConfig struct {
	DataPort          int    `yaml:"data_port"`
	WeightsPort       int    `yaml:"weights_port"`
	Iface             string `yaml:"iface"`
	DataHeaderPath    string `yaml:"data_header_path"`
	WeightsHeaderPath string `yaml:"weights_header_path"`
	HeapsPerSegment   int    `yaml:"heaps_per_segment"`
}

// MQTTConfig configures the optional internal/faultbus bridge.
type MQTTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Broker  string `yaml:"broker"`
	Topic   string `yaml:"topic"`
	QoS     byte   `yaml:"qos"`
}

// LoadConfig reads and parses a -f FILE configuration document.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields this binary requires to drive the state
// machine without RPC input. Missing fields surface here rather than as
// a *appmgr.ValidationError several calls deep.
func (c *Config) Validate() error {
	if c.Beam.DataKey == "" || c.Beam.WeightsKey == "" {
		return fmt.Errorf("config: beam.data_key and beam.weights_key are required")
	}
	if c.Scan.EbID == "" || c.Scan.ScanID == "" {
		return fmt.Errorf("config: scan.eb_id and scan.scan_id are required")
	}
	if c.Transport.DataPort == 0 || c.Transport.WeightsPort == 0 {
		return fmt.Errorf("config: transport.data_port and transport.weights_port are required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required when mqtt.enabled is true")
	}
	return nil
}

// beamHeader builds the header ConfigureBeam expects from the beam
// section of the document.
func (c *Config) beamHeader() map[string]string {
	return map[string]string{
		"DATA_KEY":    c.Beam.DataKey,
		"WEIGHTS_KEY": c.Beam.WeightsKey,
	}
}

// scanHeader builds the header ConfigureScan expects from the scan
// section of the document.
func (c *Config) scanHeader() map[string]string {
	return map[string]string{
		"EB_ID":               c.Scan.EbID,
		"STAT_PROC_DELAY_MS":  fmt.Sprintf("%d", c.Scan.StatProcDelayMs),
		"STAT_REQ_TIME_BINS":  fmt.Sprintf("%d", c.Scan.StatReqTimeBins),
		"STAT_REQ_FREQ_BINS":  fmt.Sprintf("%d", c.Scan.StatReqFreqBins),
		"STAT_NREBIN":         fmt.Sprintf("%d", c.Scan.StatNrebin),
		"TELESCOPE":           c.Scan.Telescope,
		"UTC_START":           c.Scan.UtcStart,
		"BEAM_ID":             c.Scan.BeamID,
	}
}

// startHeader builds the header StartScan expects.
func (c *Config) startHeader() map[string]string {
	return map[string]string{
		"SCAN_ID": c.Scan.ScanID,
	}
}
