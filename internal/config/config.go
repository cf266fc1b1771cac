package config

import "time"

// BrokerConfig holds configuration for the resource broker daemon.
type BrokerConfig struct {
	Addr          string        // Listen address (default ":8088")
	LogLevel      string        // Log level: debug, info, warn, error
	LogFormat     string        // Log format: text, json, auto
	DBPath        string        // SQLite database path (default ~/.jobcoord/broker.db, ":memory:" for testing)
	TickInterval  time.Duration // Allocation loop period
	NodeTimeout   time.Duration // Heartbeat age after which a node is LOST
	AdvertiseURL  string        // URL handed to coordinators as JOBCOORD_BROKER_URL
	NodeTokenFile string        // Optional YAML file of accepted agent tokens
	KeytabFile    string        // Optional YAML registry of principal -> keytab secret
}

// DefaultBrokerConfig returns sensible defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Addr:         ":8088",
		LogLevel:     "info",
		LogFormat:    "text",
		TickInterval: time.Second,
		NodeTimeout:  30 * time.Second,
	}
}

// AgentConfig holds configuration for the node agent daemon.
type AgentConfig struct {
	BrokerURL         string
	Addr              string // Listen address for the launch API
	AdvertiseAddr     string // Address the broker uses to reach this agent
	Name              string
	WorkDir           string
	StorageURL        string
	MemoryMB          int
	VCores            int
	HeartbeatInterval time.Duration
	Token             string
	LogLevel          string
	LogFormat         string
}

// DefaultAgentConfig returns sensible defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		BrokerURL:         "http://localhost:8088",
		Addr:              ":8042",
		WorkDir:           "/tmp/jobcoord-agent",
		StorageURL:        "file:///tmp/jobcoord-storage",
		MemoryMB:          8192,
		VCores:            8,
		HeartbeatInterval: 3 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}
