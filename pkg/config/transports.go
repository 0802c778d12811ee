package config

// TransportConfig describes one transport. Transports are tried in list order
// when a neighbor is routed, so put the most specific kinds first.
// Example YAML:
// transports:
//   - kind: tcp
//     port: 14265
//   - kind: udp
//     port: 14600
//     max_packets_per_sec: 2000
//   - kind: quic
//     host: 0.0.0.0
//     port: 14700
//   - kind: mem
//     name: node-a
type TransportConfig struct {
	Kind string `mapstructure:"kind"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Name binds mem transports in the process hub.
	Name string `mapstructure:"name"`
	// MaxPacketsPerSec caps inbound udp datagrams; 0 means no cap.
	MaxPacketsPerSec int `mapstructure:"max_packets_per_sec"`
	Burst            int `mapstructure:"burst"`
	// Kernel socket buffer sizes in bytes for tcp and udp; 0 keeps the
	// system default.
	ReadBuffer  int `mapstructure:"read_buffer"`
	WriteBuffer int `mapstructure:"write_buffer"`
}

// NeighborConfig describes one configured neighbor.
// Example YAML:
// neighbors:
//   - address: 10.0.0.2
//   - address: udp://10.0.0.3:14600
//     match: host
//   - address: 10.1.0.1
//     match: prefix
//     prefix: "10.1."
//     can_send: false
type NeighborConfig struct {
	Address string `mapstructure:"address"`
	// Match: exact (default), host or prefix
	Match  string `mapstructure:"match"`
	Prefix string `mapstructure:"prefix"`
	// nil means allowed
	CanSend    *bool `mapstructure:"can_send"`
	CanReceive *bool `mapstructure:"can_receive"`
}
