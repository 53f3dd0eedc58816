package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"orechain/crypto"
	"orechain/p2p"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress    string   `toml:"ListenAddress"`
	PublicAddress    string   `toml:"PublicAddress"`
	DataDir          string   `toml:"DataDir"`
	NetworkName      string   `toml:"NetworkName"`
	NetworkID        uint32   `toml:"NetworkID"`
	NodeKeystorePath string   `toml:"NodeKeystorePath"`
	LogFile          string   `toml:"LogFile"`
	Bootnodes        []string `toml:"Bootnodes"`

	P2P P2PConfig `toml:"p2p"`
}

// P2PConfig exposes the network engine tunables an operator may override.
// Zero values fall through to the engine defaults.
type P2PConfig struct {
	MaxInboundConnections int `toml:"MaxInboundConnections"`
	SoftMaxConnections    int `toml:"SoftMaxConnections"`
	HandleBufferSize      int `toml:"HandleBufferSize"`

	ConnectTimeoutSeconds         int `toml:"ConnectTimeoutSeconds"`
	HandshakeTimeoutSeconds       int `toml:"HandshakeTimeoutSeconds"`
	NeighborRequestTimeoutSeconds int `toml:"NeighborRequestTimeoutSeconds"`
	HeartbeatIntervalSeconds      int `toml:"HeartbeatIntervalSeconds"`

	MinBanMinutes int `toml:"MinBanMinutes"`
	MaxBanHours   int `toml:"MaxBanHours"`

	BroadcastOutboundSample int `toml:"BroadcastOutboundSample"`
	BroadcastInboundSample  int `toml:"BroadcastInboundSample"`

	InvSyncIntervalSeconds int    `toml:"InvSyncIntervalSeconds"`
	InvRewardCycles        uint64 `toml:"InvRewardCycles"`

	KeyLifetimeBlocks uint64 `toml:"KeyLifetimeBlocks"`
}

// Load loads the configuration from the given path, creating a default file
// (and node keystore) on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "ore-local"
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.NodeKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.NodeKeystorePath != keystorePath {
		cfg.NodeKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: ":20444",
		DataDir:       "./ore-data",
		NetworkName:   "ore-local",
		NetworkID:     0x15000000,
		Bootnodes:     []string{},
	}
	cfg.NodeKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "node.keystore")
}

// Options converts the operator-facing tunables into engine options.
func (c *Config) Options() p2p.Options {
	opts := p2p.Options{
		MaxInboundConnections:   c.P2P.MaxInboundConnections,
		SoftMaxConnections:      c.P2P.SoftMaxConnections,
		HandleBufferSize:        c.P2P.HandleBufferSize,
		BroadcastOutboundSample: c.P2P.BroadcastOutboundSample,
		BroadcastInboundSample:  c.P2P.BroadcastInboundSample,
		InvRewardCycles:         c.P2P.InvRewardCycles,
		KeyLifetimeBlocks:       c.P2P.KeyLifetimeBlocks,
	}
	if c.P2P.ConnectTimeoutSeconds > 0 {
		opts.ConnectTimeout = time.Duration(c.P2P.ConnectTimeoutSeconds) * time.Second
	}
	if c.P2P.HandshakeTimeoutSeconds > 0 {
		opts.HandshakeTimeout = time.Duration(c.P2P.HandshakeTimeoutSeconds) * time.Second
	}
	if c.P2P.NeighborRequestTimeoutSeconds > 0 {
		opts.NeighborRequestTimeout = time.Duration(c.P2P.NeighborRequestTimeoutSeconds) * time.Second
	}
	if c.P2P.HeartbeatIntervalSeconds > 0 {
		opts.HeartbeatInterval = time.Duration(c.P2P.HeartbeatIntervalSeconds) * time.Second
	}
	if c.P2P.MinBanMinutes > 0 {
		opts.MinBanDuration = time.Duration(c.P2P.MinBanMinutes) * time.Minute
	}
	if c.P2P.MaxBanHours > 0 {
		opts.MaxBanDuration = time.Duration(c.P2P.MaxBanHours) * time.Hour
	}
	if c.P2P.InvSyncIntervalSeconds > 0 {
		opts.InvSyncInterval = time.Duration(c.P2P.InvSyncIntervalSeconds) * time.Second
	}
	if host, port, err := SplitAddress(c.PublicAddress); err == nil && host != "" {
		opts.PublicAddr = host
		opts.PublicPort = port
	}
	return opts
}

// SplitAddress parses "host:port" into its parts.
func SplitAddress(addr string) (string, uint16, error) {
	if strings.TrimSpace(addr) == "" {
		return "", 0, fmt.Errorf("empty address")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}
