// Package config holds the server configuration: defaults, optional YAML
// file, with CLI flags layered on top by the entry point.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config stores all server parameters.
type Config struct {
	// ListenAddr is the TCP address the graphics channel listens on.
	ListenAddr string `yaml:"listen"`

	// WSListenAddr optionally exposes the channel over WebSocket for
	// web-gateway deployments. Empty disables it.
	WSListenAddr string `yaml:"wsListen"`

	// PacketSocket is the Unix socket the capture pipeline delivers encoded
	// packets on.
	PacketSocket string `yaml:"packetSocket"`

	// MetadataSocket is the Unix socket for damage metadata records. Empty
	// disables the side channel; every frame becomes a full-frame update.
	MetadataSocket string `yaml:"metadataSocket"`

	// Codec is the preferred codec variant: avc420, avc444 or avc444v2.
	Codec string `yaml:"codec"`

	// Width and Height are the session frame size, used for every frame
	// whose metadata record carries no size of its own.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     ":3390",
		PacketSocket:   "/run/krdp/video.sock",
		MetadataSocket: "/run/krdp/video-meta.sock",
		Codec:          "avc420",
		Width:          1920,
		Height:         1080,
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" && c.WSListenAddr == "" {
		return fmt.Errorf("no listen address configured")
	}
	if c.PacketSocket == "" {
		return fmt.Errorf("packetSocket is required")
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("invalid size %dx%d", c.Width, c.Height)
	}
	switch c.Codec {
	case "", "avc420", "avc444", "avc444v2":
	default:
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	return nil
}
