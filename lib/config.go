package lib

import (
	"fmt"
	"time"
)

type CoreConfig struct {
	BlockSize             int           // DATA payload length; a shorter block marks EOF
	WindowSize            int           // blocks in flight per read
	MaxBlockSize          int           // largest block size the node accepts in a READ_REQUEST
	MaxWindowSize         int           // node clamps larger windows to this
	MaxBufferedTx         int           // datagrams handed to the transport and not yet completed
	PayloadPoolSize       int           // how many block chunks in the pool
	InboundQueueSize      int           // received datagrams waiting for the engine
	OutboundQueueSize     int           // datagrams waiting for the sender
	EntryQueueSize        int           // directory entries the collector can queue
	CommandQueueSize      int           // external commands waiting for the engine
	InactivityTimeout     time.Duration // session ends when the peer stays silent this long
	RetransmitInterval    time.Duration // collector stall timer
	TickInterval          time.Duration // engine housekeeping period
	SyncInterval          time.Duration // first SYNC broadcast interval
	SyncMaxInterval       time.Duration // SYNC backoff cap
	SyncBackoffMultiplier float64
	RescanDelay           time.Duration // pause after a completed sequence before searching again
	DrainTimeout          time.Duration // bound on waiting for pending writes at teardown
	PacketLostSimulation  bool          // drop outgoing datagrams on purpose
	PacketLossMod         int           // with PacketLostSimulation, drop one in PacketLossMod
	Debug                 bool
	PoolDebug             bool // ring pool debug setting
	ProcessTimeThreshold  int  // ring pool processing time threshold in ms
	Pipeline              *PipelineConfig
}

func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		BlockSize:             240,
		WindowSize:            16,
		MaxBlockSize:          1024,
		MaxWindowSize:         64,
		MaxBufferedTx:         MaxBufferedTx,
		PayloadPoolSize:       256,
		InboundQueueSize:      128,
		OutboundQueueSize:     128,
		EntryQueueSize:        64,
		CommandQueueSize:      8,
		InactivityTimeout:     5 * time.Second,
		RetransmitInterval:    250 * time.Millisecond,
		TickInterval:          50 * time.Millisecond,
		SyncInterval:          time.Second,
		SyncMaxInterval:       8 * time.Second,
		SyncBackoffMultiplier: 1.5,
		RescanDelay:           10 * time.Second,
		DrainTimeout:          5 * time.Second,
		PacketLostSimulation:  false,
		PacketLossMod:         10,
		Debug:                 false,
		PoolDebug:             false,
		ProcessTimeThreshold:  10,
		Pipeline:              DefaultPipelineConfig(),
	}
}

type PipelineConfig struct {
	WriteCapacity     int           // bytes buffered between the engine and storage
	WriteQueueItems   int           // pushes queued for the write consumer
	FlushInterval     time.Duration // idle time before partially filled buffers are written
	ReadAheadCapacity int           // bytes cached ahead of the node's read position
}

func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		WriteCapacity:     8192,
		WriteQueueItems:   128,
		FlushInterval:     100 * time.Millisecond,
		ReadAheadCapacity: 4096,
	}
}

// Validate checks the values an engine depends on.
func (c *CoreConfig) Validate() error {
	switch {
	case c.BlockSize <= 0 || c.BlockSize > MaxDatagramLength-DataHeaderLength:
		return fmt.Errorf("block size %d out of range", c.BlockSize)
	case c.MaxBlockSize < c.BlockSize:
		return fmt.Errorf("max block size %d is smaller than block size %d", c.MaxBlockSize, c.BlockSize)
	case c.WindowSize <= 0 || c.WindowSize > 0x7fff:
		return fmt.Errorf("window size %d out of range", c.WindowSize)
	case c.MaxWindowSize < c.WindowSize:
		return fmt.Errorf("max window size %d is smaller than window size %d", c.MaxWindowSize, c.WindowSize)
	case c.MaxBufferedTx <= 0:
		return fmt.Errorf("max buffered tx must be positive")
	case c.InboundQueueSize <= 0 || c.OutboundQueueSize <= 0 || c.EntryQueueSize <= 0 || c.CommandQueueSize <= 0:
		return fmt.Errorf("queue sizes must be positive")
	case c.PayloadPoolSize < 2*c.MaxWindowSize:
		return fmt.Errorf("payload pool size %d must hold two windows of %d", c.PayloadPoolSize, c.MaxWindowSize)
	case c.InactivityTimeout <= 0 || c.RetransmitInterval <= 0 || c.TickInterval <= 0:
		return fmt.Errorf("timers must be positive")
	case c.PacketLostSimulation && c.PacketLossMod <= 0:
		return fmt.Errorf("packet loss mod must be positive")
	case c.Pipeline == nil:
		return fmt.Errorf("pipeline config missing")
	case c.Pipeline.WriteCapacity < c.MaxBlockSize || c.Pipeline.ReadAheadCapacity < c.MaxBlockSize:
		return fmt.Errorf("pipeline capacities must hold at least one block of %d bytes", c.MaxBlockSize)
	case c.Pipeline.WriteQueueItems < 2:
		return fmt.Errorf("write queue needs at least two items")
	}
	return nil
}
