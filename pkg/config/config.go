// Package config provides the Nebula node configuration and the client
// identity store.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

const (
	defaultLogLevel = "NOTICE"

	DefaultRelayAddress      = "0.0.0.0:23690"
	DefaultTTL               = 128
	DefaultKeepaliveInterval = 30 * 1000  // ms
	DefaultIdleTimeout       = 120 * 1000 // ms
	DefaultWriteTimeout      = 30 * 1000  // ms
	DefaultMaxPeers          = 4096
	maxFrameSizeLimit        = 64 * 1024 * 1024

	DefaultNickname      = "nebula_chat"
	DefaultVirtualPort   = 80
	DefaultBridgeAddress = "127.0.0.1:0"

	DefaultSignalTTL = 24 * 60 * 60 // seconds
	DefaultCacheSize = 8192

	DefaultAPIAddress   = "127.0.0.1:23691"
	DefaultAPIRateLimit = 120 // requests per minute
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Node is the node-wide configuration.
type Node struct {
	// DataDir is the absolute path to the node's state files.
	DataDir string

	// IdentityFile is the client identity store holding the node key.
	// The per-user default location is used when empty.
	IdentityFile string
}

func (nCfg *Node) validate() error {
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	if nCfg.IdentityFile == "" {
		p, err := DefaultClientConfigPath()
		if err != nil {
			return fmt.Errorf("config: Node: IdentityFile: %v", err)
		}
		nCfg.IdentityFile = p
	}
	return nil
}

// Relay is the Bonk relay configuration.
type Relay struct {
	// Address is the host:port the relay listens on.
	Address string

	// TTL is the IP TTL / hop limit set on accepted connections.
	TTL int

	// MaxFrameSize is the largest frame payload accepted or sent, in bytes.
	MaxFrameSize uint32

	// MaxPeers bounds the peer directory.
	MaxPeers int

	// KeepaliveInterval is the Bonk interval in milliseconds.
	KeepaliveInterval int

	// IdleTimeout closes sessions that stay silent this long, in milliseconds.
	IdleTimeout int

	// WriteTimeout bounds a single frame write, in milliseconds.
	WriteTimeout int

	// Peers are relays the node connects to at startup.
	Peers []string
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.Address == "" {
		rCfg.Address = DefaultRelayAddress
	}
	if rCfg.TTL == 0 {
		rCfg.TTL = DefaultTTL
	}
	if rCfg.MaxFrameSize == 0 {
		rCfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if rCfg.MaxPeers == 0 {
		rCfg.MaxPeers = DefaultMaxPeers
	}
	if rCfg.KeepaliveInterval == 0 {
		rCfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if rCfg.IdleTimeout == 0 {
		rCfg.IdleTimeout = DefaultIdleTimeout
	}
	if rCfg.WriteTimeout == 0 {
		rCfg.WriteTimeout = DefaultWriteTimeout
	}
}

func (rCfg *Relay) validate() error {
	if err := validateHostPort(rCfg.Address); err != nil {
		return fmt.Errorf("config: Relay: Address '%v' is invalid: %v", rCfg.Address, err)
	}
	if rCfg.TTL < 1 || rCfg.TTL > 255 {
		return fmt.Errorf("config: Relay: TTL %d is out of range", rCfg.TTL)
	}
	if rCfg.MaxFrameSize > maxFrameSizeLimit {
		return fmt.Errorf("config: Relay: MaxFrameSize %d exceeds %d", rCfg.MaxFrameSize, maxFrameSizeLimit)
	}
	if rCfg.MaxPeers < 0 {
		return errors.New("config: Relay: MaxPeers is negative")
	}
	if rCfg.KeepaliveInterval < 0 || rCfg.IdleTimeout < 0 || rCfg.WriteTimeout < 0 {
		return errors.New("config: Relay: timeouts must not be negative")
	}
	if rCfg.IdleTimeout <= rCfg.KeepaliveInterval {
		return fmt.Errorf("config: Relay: IdleTimeout %dms must exceed KeepaliveInterval %dms", rCfg.IdleTimeout, rCfg.KeepaliveInterval)
	}
	for _, p := range rCfg.Peers {
		if err := protocol.ValidateAddress(p); err != nil {
			return fmt.Errorf("config: Relay: Peers: %v", err)
		}
	}
	return nil
}

// Keepalive returns KeepaliveInterval as a duration.
func (rCfg *Relay) Keepalive() time.Duration {
	return time.Duration(rCfg.KeepaliveInterval) * time.Millisecond
}

// Idle returns IdleTimeout as a duration.
func (rCfg *Relay) Idle() time.Duration {
	return time.Duration(rCfg.IdleTimeout) * time.Millisecond
}

// Write returns WriteTimeout as a duration.
func (rCfg *Relay) Write() time.Duration {
	return time.Duration(rCfg.WriteTimeout) * time.Millisecond
}

// Onion is the Tor hidden service configuration.
type Onion struct {
	// Disable runs the relay without a hidden service.
	Disable bool

	// TorPath is the tor executable, looked up in PATH when empty.
	TorPath string

	// DataDir holds Tor state and hidden service keys.
	// Defaults to <Node.DataDir>/onion.
	DataDir string

	// Nickname names the hidden service directory.
	Nickname string

	// VirtualPort is the port published on the onion address.
	VirtualPort int

	// DisablePoW turns off the hidden service proof-of-work defense.
	DisablePoW bool

	// BridgeAddress is the loopback listener Tor forwards streams to.
	BridgeAddress string
}

func (oCfg *Onion) applyDefaults(nCfg *Node) {
	if oCfg.DataDir == "" {
		oCfg.DataDir = filepath.Join(nCfg.DataDir, "onion")
	}
	if oCfg.Nickname == "" {
		oCfg.Nickname = DefaultNickname
	}
	if oCfg.VirtualPort == 0 {
		oCfg.VirtualPort = DefaultVirtualPort
	}
	if oCfg.BridgeAddress == "" {
		oCfg.BridgeAddress = DefaultBridgeAddress
	}
}

func (oCfg *Onion) validate() error {
	if oCfg.Disable {
		return nil
	}
	if !filepath.IsAbs(oCfg.DataDir) {
		return fmt.Errorf("config: Onion: DataDir '%v' is not an absolute path", oCfg.DataDir)
	}
	for _, r := range oCfg.Nickname {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("config: Onion: Nickname '%v' is invalid", oCfg.Nickname)
		}
	}
	if oCfg.VirtualPort < 1 || oCfg.VirtualPort > 65535 {
		return fmt.Errorf("config: Onion: VirtualPort %d is out of range", oCfg.VirtualPort)
	}

	host, _, err := net.SplitHostPort(oCfg.BridgeAddress)
	if err != nil {
		return fmt.Errorf("config: Onion: BridgeAddress '%v' is invalid: %v", oCfg.BridgeAddress, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.IsLoopback() {
		return fmt.Errorf("config: Onion: BridgeAddress '%v' is not a loopback address", oCfg.BridgeAddress)
	}
	return nil
}

// Storage is the seen-signal ledger configuration.
type Storage struct {
	// InMemory keeps the ledger in memory only.
	InMemory bool

	// LedgerFile is the sqlite database path.
	// Defaults to <Node.DataDir>/ledger.db.
	LedgerFile string

	// SignalTTL is how long a signal id is remembered, in seconds.
	SignalTTL int

	// CacheSize is the number of ids kept in the in-memory front cache.
	CacheSize int
}

func (sCfg *Storage) applyDefaults(nCfg *Node) {
	if sCfg.LedgerFile == "" {
		sCfg.LedgerFile = filepath.Join(nCfg.DataDir, "ledger.db")
	}
	if sCfg.SignalTTL == 0 {
		sCfg.SignalTTL = DefaultSignalTTL
	}
	if sCfg.CacheSize == 0 {
		sCfg.CacheSize = DefaultCacheSize
	}
}

func (sCfg *Storage) validate() error {
	if sCfg.SignalTTL < 0 {
		return errors.New("config: Storage: SignalTTL is negative")
	}
	if sCfg.CacheSize < 0 {
		return errors.New("config: Storage: CacheSize is negative")
	}
	if !sCfg.InMemory && !filepath.IsAbs(sCfg.LedgerFile) {
		return fmt.Errorf("config: Storage: LedgerFile '%v' is not an absolute path", sCfg.LedgerFile)
	}
	return nil
}

// TTL returns SignalTTL as a duration.
func (sCfg *Storage) TTL() time.Duration {
	return time.Duration(sCfg.SignalTTL) * time.Second
}

// API is the read-only status API configuration.
type API struct {
	// Disable turns the HTTP API off.
	Disable bool

	// Address is the host:port the API listens on.
	Address string

	// RateLimit is the number of requests allowed per client per minute.
	RateLimit int
}

func (aCfg *API) applyDefaults() {
	if aCfg.Address == "" {
		aCfg.Address = DefaultAPIAddress
	}
	if aCfg.RateLimit == 0 {
		aCfg.RateLimit = DefaultAPIRateLimit
	}
}

func (aCfg *API) validate() error {
	if aCfg.Disable {
		return nil
	}
	if err := validateHostPort(aCfg.Address); err != nil {
		return fmt.Errorf("config: API: Address '%v' is invalid: %v", aCfg.Address, err)
	}
	if aCfg.RateLimit < 0 {
		return errors.New("config: API: RateLimit is negative")
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Proxy routes outbound relay connections through a SOCKS5 proxy,
// typically an already running Tor client.
type Proxy struct {
	// SOCKS5Address is the proxy host:port. Empty disables the proxy.
	SOCKS5Address string
}

func (pCfg *Proxy) validate() error {
	if pCfg.SOCKS5Address == "" {
		return nil
	}
	if err := validateHostPort(pCfg.SOCKS5Address); err != nil {
		return fmt.Errorf("config: Proxy: SOCKS5Address '%v' is invalid: %v", pCfg.SOCKS5Address, err)
	}
	return nil
}

// Config is the top level Nebula node configuration.
type Config struct {
	Node    *Node
	Relay   *Relay
	Onion   *Onion
	Storage *Storage
	API     *API
	Logging *Logging
	Proxy   *Proxy
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Relay == nil {
		cfg.Relay = &Relay{}
	}
	if cfg.Onion == nil {
		cfg.Onion = &Onion{}
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.API == nil {
		cfg.API = &API{}
	}
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}
	if cfg.Proxy == nil {
		cfg.Proxy = &Proxy{}
	}

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	cfg.Relay.applyDefaults()
	cfg.Onion.applyDefaults(cfg.Node)
	cfg.Storage.applyDefaults(cfg.Node)
	cfg.API.applyDefaults()

	if err := cfg.Relay.validate(); err != nil {
		return err
	}
	if err := cfg.Onion.validate(); err != nil {
		return err
	}
	if err := cfg.Storage.validate(); err != nil {
		return err
	}
	if err := cfg.API.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	return cfg.Proxy.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
