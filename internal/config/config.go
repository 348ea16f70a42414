// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	SPI      SPIConfig      `mapstructure:"spi"`
	External ExternalConfig `mapstructure:"external"`
	Mount    MountConfig    `mapstructure:"mount"`
	Internal InternalConfig `mapstructure:"internal"`
	Loader   LoaderConfig   `mapstructure:"loader"`
	Server   ServerConfig   `mapstructure:"server"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// SPIConfig defines the bus the external flash hangs off
type SPIConfig struct {
	Driver     string       `mapstructure:"driver"`      // "sim", "spidev", "serprog"; "tinybus" is device only
	Host       string       `mapstructure:"host"`        // Bus name for logs, e.g. "VSPI"
	Device     string       `mapstructure:"device"`      // spidev port, e.g. "/dev/spidev0.0"
	Pins       PinConfig    `mapstructure:"pins"`        // Informational on hosted drivers
	DMAChannel int          `mapstructure:"dma_channel"` // Informational on hosted drivers
	IOMode     string       `mapstructure:"io_mode"`     // "sio", "dio", "qio", "dout", "qout"
	SpeedHz    int64        `mapstructure:"speed_hz"`
	Serial     SerialConfig `mapstructure:"serial"` // Used if Driver is "serprog"
	Sim        SimConfig    `mapstructure:"sim"`    // Used if Driver is "sim"
}

// PinConfig defines the GPIO assignment of the bus. -1 means unused.
type PinConfig struct {
	MOSI   int `mapstructure:"mosi"`
	MISO   int `mapstructure:"miso"`
	SCLK   int `mapstructure:"sclk"`
	CS     int `mapstructure:"cs"`
	QuadWP int `mapstructure:"quad_wp"`
	QuadHD int `mapstructure:"quad_hd"`
}

// SerialConfig defines the serial line of a serprog programmer
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SimConfig defines the simulated chip
type SimConfig struct {
	Chip  string `mapstructure:"chip"`  // "w25q16", "w25q32", "w25q64", "w25q128"
	Image string `mapstructure:"image"` // Image file, empty for RAM only
}

// ExternalConfig defines the partition registered over the external chip
type ExternalConfig struct {
	Label string `mapstructure:"label"`
}

// MountConfig defines the FAT mount of the external partition
type MountConfig struct {
	Point               string `mapstructure:"point"`
	MaxFiles            int    `mapstructure:"max_files"`
	FormatIfMountFailed bool   `mapstructure:"format_if_mount_failed"`
	AllocationUnitSize  int64  `mapstructure:"allocation_unit_size"`
	VolumeLabel         string `mapstructure:"volume_label"`
}

// InternalConfig defines the internal flash backend and its partition table
type InternalConfig struct {
	Backend    string            `mapstructure:"backend"` // "memory", "file", "mmap"
	Path       string            `mapstructure:"path"`    // Image path for "file/mmap" backend
	Size       int64             `mapstructure:"size"`
	Partitions []PartitionConfig `mapstructure:"partitions"`
}

// PartitionConfig defines one internal partition
type PartitionConfig struct {
	Label   string `mapstructure:"label"`
	Type    string `mapstructure:"type"`    // "app", "data"
	Subtype string `mapstructure:"subtype"` // "nvs", "phy", "fat", "undefined", ...
	Offset  int64  `mapstructure:"offset"`
	Size    int64  `mapstructure:"size"`
}

// LoaderConfig defines ROM staging into internal flash
type LoaderConfig struct {
	Partition string `mapstructure:"partition"`
	ChunkSize int    `mapstructure:"chunk_size"`
	Verify    bool   `mapstructure:"verify"`
}

// ServerConfig defines the control link
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// DefaultPartitions is the internal table used when none is configured.
var DefaultPartitions = []PartitionConfig{
	{Label: "nvs", Type: "data", Subtype: "nvs", Offset: 0x9000, Size: 0x6000},
	{Label: "phy_init", Type: "data", Subtype: "phy", Offset: 0xF000, Size: 0x1000},
	{Label: "factory", Type: "app", Subtype: "ota", Offset: 0x10000, Size: 0x100000},
	{Label: "storage", Type: "data", Subtype: "undefined", Offset: 0x110000, Size: 0x100000},
}

// LoadConfig loads configuration from file, environment (EXTFLASH_*) and
// the flags bound on fs. A missing config file is not an error.
func LoadConfig(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/extflash/")
		v.AddConfigPath("$HOME/.extflash")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("extflash")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if fs != nil {
		for key, name := range map[string]string{
			"log.level":  "log-level",
			"spi.driver": "driver",
		} {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	if err := fixup(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("spi.driver", "sim")
	v.SetDefault("spi.host", "VSPI")
	v.SetDefault("spi.device", "/dev/spidev0.0")
	v.SetDefault("spi.pins.mosi", 23)
	v.SetDefault("spi.pins.miso", 19)
	v.SetDefault("spi.pins.sclk", 18)
	v.SetDefault("spi.pins.cs", 5)
	v.SetDefault("spi.pins.quad_wp", -1)
	v.SetDefault("spi.pins.quad_hd", -1)
	v.SetDefault("spi.dma_channel", 2)
	v.SetDefault("spi.io_mode", "dio")
	v.SetDefault("spi.speed_hz", 40000000)
	v.SetDefault("spi.serial.baud_rate", 115200)
	v.SetDefault("spi.serial.timeout", 2*time.Second)
	v.SetDefault("spi.sim.chip", "w25q128")

	v.SetDefault("external.label", "ext_storage")

	v.SetDefault("mount.point", "/ext_flash")
	v.SetDefault("mount.max_files", 16)
	v.SetDefault("mount.format_if_mount_failed", true)
	v.SetDefault("mount.allocation_unit_size", 0)
	v.SetDefault("mount.volume_label", "ROMS")

	v.SetDefault("internal.backend", "memory")
	v.SetDefault("internal.size", 4*1024*1024)

	v.SetDefault("loader.partition", "storage")
	v.SetDefault("loader.chunk_size", 8192)
	v.SetDefault("loader.verify", true)

	v.SetDefault("server.address", "127.0.0.1:7788")
}

func fixup(c *Config) error {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.SPI.Driver = strings.ToLower(c.SPI.Driver)
	c.SPI.IOMode = strings.ToLower(c.SPI.IOMode)
	c.SPI.Sim.Chip = strings.ToLower(c.SPI.Sim.Chip)

	if c.Mount.Point == "" || !strings.HasPrefix(c.Mount.Point, "/") {
		return fmt.Errorf("mount point must be absolute: %q", c.Mount.Point)
	}
	c.Mount.Point = strings.TrimRight(c.Mount.Point, "/")
	if len(c.Mount.VolumeLabel) > 11 {
		return fmt.Errorf("volume label longer than 11 characters: %q", c.Mount.VolumeLabel)
	}
	if c.Loader.ChunkSize <= 0 {
		c.Loader.ChunkSize = 8192
	}
	if len(c.Internal.Partitions) == 0 {
		c.Internal.Partitions = append([]PartitionConfig(nil), DefaultPartitions...)
	}
	if (c.Internal.Backend == "file" || c.Internal.Backend == "mmap") && c.Internal.Path == "" {
		return fmt.Errorf("internal flash backend %s requires a path", c.Internal.Backend)
	}
	return nil
}

// Default returns the configuration used when nothing is configured.
// It panics if the built-in defaults do not decode or validate.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return mustDecode(v)
}

func mustDecode(v *viper.Viper) *Config {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	if err := fixup(&c); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &c
}
