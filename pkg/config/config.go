// Package config holds the explicit configuration structs threaded
// through every constructor in this repository, rather than a global
// singleton: every process builds its config once at startup and passes
// it down explicitly.
package config

import "time"

// LTCConfig configures one compute node process: database path,
// per-role server lists, RDMA port + max-message-size + queue-depths,
// per-component worker counts, write-buffer and block-cache sizes,
// enable flags for RDMA and initial data loading, compaction worker
// count.
type LTCConfig struct {
	ServerID uint32
	DBPath   string

	// StoCAddrs lists every storage node this LTC maintains a queue pair
	// with, indexed by ServerID (the "per-role server lists" flag).
	StoCAddrs map[uint32]string

	RDMAPort        int
	MaxMessageSize  int
	QueueDepth      int

	NumAsyncWorkers      int
	NumCompactionWorkers int

	ChunkSize         int
	ReplicationFactor int

	WriteBufferSize int
	BlockCacheSize  int

	EnableRDMA       bool
	LoadInitialData  bool
	ControlAPIAddr   string

	DispatchQueueDepth int
	RequestTimeout     time.Duration

	MetricsAddr string
	LogLevel    string
	LogJSON     bool
}

// DefaultLTCConfig returns the LTC process's CLI flag defaults.
func DefaultLTCConfig() LTCConfig {
	return LTCConfig{
		DBPath:               "./data/ltc",
		RDMAPort:             7777,
		MaxMessageSize:       1 << 20,
		QueueDepth:           1024,
		NumAsyncWorkers:      4,
		NumCompactionWorkers: 2,
		ChunkSize:            1 << 20,
		ReplicationFactor:    3,
		WriteBufferSize:      64 << 20,
		BlockCacheSize:       256 << 20,
		EnableRDMA:           true,
		DispatchQueueDepth:   1024,
		RequestTimeout:       5 * time.Second,
		ControlAPIAddr:       ":9290",
		MetricsAddr:          ":9190",
		LogLevel:             "info",
	}
}

// StoCConfig configures one storage node process.
type StoCConfig struct {
	ServerID   uint32
	ListenAddr string
	DataDir    string

	MaxMessageSize       int
	QueueDepth           int
	NumCompactionWorkers int
	BlockCacheSize       int

	ControlAPIAddr string
	MetricsAddr    string
	LogLevel       string
	LogJSON        bool
}

// DefaultStoCConfig returns the StoC process's CLI flag defaults.
func DefaultStoCConfig() StoCConfig {
	return StoCConfig{
		ListenAddr:           ":7777",
		DataDir:              "./data/stoc",
		MaxMessageSize:       1 << 20,
		QueueDepth:           1024,
		NumCompactionWorkers: 2,
		BlockCacheSize:       256 << 20,
		ControlAPIAddr:       ":9291",
		MetricsAddr:          ":9191",
		LogLevel:             "info",
	}
}
