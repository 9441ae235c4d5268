package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Clouded-Sabre/mtftp/lib"
	"gopkg.in/yaml.v3"
)

const (
	NodePort      = 7080
	CollectorPort = 7081
	StorageSuffix = ".bin"
)

// AppConfig holds the settings of the binaries that are not part of the protocol engine.
type AppConfig struct {
	UDP         *lib.UDPConfig
	StorageRoot string
	FileSuffix  string
	LogLevel    slog.Level
	Dump        DumpConfig
	CapturePath string // pcap file written by the transports, empty to disable
}

// DumpConfig describes the serial sink for received file data.
type DumpConfig struct {
	Enabled bool
	Port    string
	Baud    int
}

func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		UDP:         lib.DefaultUDPConfig(),
		StorageRoot: "storage",
		FileSuffix:  StorageSuffix,
		LogLevel:    slog.LevelInfo,
		Dump: DumpConfig{
			Port: "/dev/ttyUSB0",
			Baud: 115200,
		},
	}
}

// fileConfig mirrors config.yaml. Pointers tell missing keys apart from zero values.
type fileConfig struct {
	Core struct {
		BlockSize             *int     `yaml:"block_size"`
		WindowSize            *int     `yaml:"window_size"`
		MaxBlockSize          *int     `yaml:"max_block_size"`
		MaxWindowSize         *int     `yaml:"max_window_size"`
		MaxBufferedTx         *int     `yaml:"max_buffered_tx"`
		PayloadPoolSize       *int     `yaml:"payload_pool_size"`
		InboundQueueSize      *int     `yaml:"inbound_queue_size"`
		OutboundQueueSize     *int     `yaml:"outbound_queue_size"`
		EntryQueueSize        *int     `yaml:"entry_queue_size"`
		CommandQueueSize      *int     `yaml:"command_queue_size"`
		InactivityTimeoutMs   *int     `yaml:"inactivity_timeout_ms"`
		RetransmitIntervalMs  *int     `yaml:"retransmit_interval_ms"`
		TickIntervalMs        *int     `yaml:"tick_interval_ms"`
		SyncIntervalMs        *int     `yaml:"sync_interval_ms"`
		SyncMaxIntervalMs     *int     `yaml:"sync_max_interval_ms"`
		SyncBackoffMultiplier *float64 `yaml:"sync_backoff_multiplier"`
		RescanDelayMs         *int     `yaml:"rescan_delay_ms"`
		DrainTimeoutMs        *int     `yaml:"drain_timeout_ms"`
		PacketLostSimulation  *bool    `yaml:"packet_lost_simulation"`
		PacketLossMod         *int     `yaml:"packet_loss_mod"`
		Debug                 *bool    `yaml:"debug"`
		PoolDebug             *bool    `yaml:"pool_debug"`
		ProcessTimeThreshold  *int     `yaml:"process_time_threshold"`
	} `yaml:"core"`
	Pipeline struct {
		WriteCapacity     *int `yaml:"write_capacity"`
		WriteQueueItems   *int `yaml:"write_queue_items"`
		FlushIntervalMs   *int `yaml:"flush_interval_ms"`
		ReadAheadCapacity *int `yaml:"read_ahead_capacity"`
	} `yaml:"pipeline"`
	App struct {
		Listen      *string `yaml:"listen"`
		Broadcast   *string `yaml:"broadcast"`
		TTL         *int    `yaml:"ttl"`
		MaxPeers    *int    `yaml:"max_peers"`
		StorageRoot *string `yaml:"storage_root"`
		FileSuffix  *string `yaml:"file_suffix"`
		LogLevel    *string `yaml:"log_level"`
		CapturePath *string `yaml:"capture_path"`
		Dump        struct {
			Enabled *bool   `yaml:"enabled"`
			Port    *string `yaml:"port"`
			Baud    *int    `yaml:"baud"`
		} `yaml:"dump"`
	} `yaml:"app"`
}

// LoadConfig reads a YAML file and applies it on top of the defaults.
// The returned core config has already been validated.
func LoadConfig(path string) (*lib.CoreConfig, *AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*lib.CoreConfig, *AppConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}

	core := lib.DefaultCoreConfig()
	c := fc.Core
	setInt(&core.BlockSize, c.BlockSize)
	setInt(&core.WindowSize, c.WindowSize)
	setInt(&core.MaxBlockSize, c.MaxBlockSize)
	setInt(&core.MaxWindowSize, c.MaxWindowSize)
	setInt(&core.MaxBufferedTx, c.MaxBufferedTx)
	setInt(&core.PayloadPoolSize, c.PayloadPoolSize)
	setInt(&core.InboundQueueSize, c.InboundQueueSize)
	setInt(&core.OutboundQueueSize, c.OutboundQueueSize)
	setInt(&core.EntryQueueSize, c.EntryQueueSize)
	setInt(&core.CommandQueueSize, c.CommandQueueSize)
	setMs(&core.InactivityTimeout, c.InactivityTimeoutMs)
	setMs(&core.RetransmitInterval, c.RetransmitIntervalMs)
	setMs(&core.TickInterval, c.TickIntervalMs)
	setMs(&core.SyncInterval, c.SyncIntervalMs)
	setMs(&core.SyncMaxInterval, c.SyncMaxIntervalMs)
	if c.SyncBackoffMultiplier != nil {
		core.SyncBackoffMultiplier = *c.SyncBackoffMultiplier
	}
	setMs(&core.RescanDelay, c.RescanDelayMs)
	setMs(&core.DrainTimeout, c.DrainTimeoutMs)
	setBool(&core.PacketLostSimulation, c.PacketLostSimulation)
	setInt(&core.PacketLossMod, c.PacketLossMod)
	setBool(&core.Debug, c.Debug)
	setBool(&core.PoolDebug, c.PoolDebug)
	setInt(&core.ProcessTimeThreshold, c.ProcessTimeThreshold)

	p := fc.Pipeline
	setInt(&core.Pipeline.WriteCapacity, p.WriteCapacity)
	setInt(&core.Pipeline.WriteQueueItems, p.WriteQueueItems)
	setMs(&core.Pipeline.FlushInterval, p.FlushIntervalMs)
	setInt(&core.Pipeline.ReadAheadCapacity, p.ReadAheadCapacity)

	if err := core.Validate(); err != nil {
		return nil, nil, fmt.Errorf("core config: %w", err)
	}

	app := DefaultAppConfig()
	a := fc.App
	setString(&app.UDP.Listen, a.Listen)
	setString(&app.UDP.Broadcast, a.Broadcast)
	setInt(&app.UDP.TTL, a.TTL)
	setInt(&app.UDP.MaxPeers, a.MaxPeers)
	setString(&app.StorageRoot, a.StorageRoot)
	setString(&app.FileSuffix, a.FileSuffix)
	setString(&app.CapturePath, a.CapturePath)
	setBool(&app.Dump.Enabled, a.Dump.Enabled)
	setString(&app.Dump.Port, a.Dump.Port)
	setInt(&app.Dump.Baud, a.Dump.Baud)
	if a.LogLevel != nil {
		if err := app.LogLevel.UnmarshalText([]byte(strings.TrimSpace(*a.LogLevel))); err != nil {
			return nil, nil, fmt.Errorf("app config: log level: %w", err)
		}
	}
	if core.Debug && app.LogLevel > slog.LevelDebug {
		app.LogLevel = slog.LevelDebug
	}
	if app.Dump.Enabled && app.Dump.Baud <= 0 {
		return nil, nil, fmt.Errorf("app config: dump baud rate %d must be positive", app.Dump.Baud)
	}

	return core, app, nil
}

// Logger returns a text logger at the configured level.
func (a *AppConfig) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: a.LogLevel}))
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setMs(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Millisecond
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
