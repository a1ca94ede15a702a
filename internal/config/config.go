// Package config holds the session and CLI configuration types.
//
// A Config starts from Default() and is optionally overlaid by a YAML file
// (Load). Durations in YAML use Go duration strings ("5s", "250ms").
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role represents which side of the offer/answer exchange this peer plays.
// The offerer is also the ICE controlling agent.
type Role string

const (
	RoleOfferer  Role = "offer"
	RoleAnswerer Role = "answer"
)

// UpgradePolicy decides whether a connected session moves to a strictly
// higher-priority pair that succeeds later.
type UpgradePolicy string

const (
	UpgradeNone   UpgradePolicy = "none"
	UpgradeHigher UpgradePolicy = "upgrade"
)

// WireCodec selects the signaling envelope encoding.
type WireCodec string

const (
	CodecJSON WireCodec = "json"
	CodecCBOR WireCodec = "cbor"
)

// ServerConfig is one STUN or TURN server, e.g.
// "stun:stun.l.google.com:19302" or "turn:turn.example.org:3478?transport=udp".
type ServerConfig struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username,omitempty"`
	Credential string `yaml:"credential,omitempty"`
}

// CodecConfig describes one codec the local side can send or receive.
type CodecConfig struct {
	PayloadType uint8  `yaml:"payloadType"`
	Name        string `yaml:"name"`
	ClockRate   uint32 `yaml:"clockRate"`
	Channels    uint16 `yaml:"channels,omitempty"`
	Fmtp        string `yaml:"fmtp,omitempty"`
}

// MediaConfig describes one media section the local side offers or accepts.
type MediaConfig struct {
	ID        string        `yaml:"id,omitempty"`
	Kind      string        `yaml:"kind"`
	Direction string        `yaml:"direction"`
	Codecs    []CodecConfig `yaml:"codecs,omitempty"`
}

// Config stores all tunables for a session plus the CLI-only fields.
type Config struct {
	Servers    []ServerConfig `yaml:"servers"`
	Media      []MediaConfig  `yaml:"media"`
	ICEOptions []string       `yaml:"iceOptions"`

	// HostCIDRs restricts host candidates to addresses inside these networks.
	// Empty means every usable interface address.
	HostCIDRs       []string `yaml:"hostCIDRs"`
	IncludeLoopback bool     `yaml:"includeLoopback"`

	GatherTimeout     time.Duration `yaml:"gatherTimeout"`
	CheckTimeout      time.Duration `yaml:"checkTimeout"`
	CheckPacing       time.Duration `yaml:"checkPacing"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	KeepaliveInterval time.Duration `yaml:"keepaliveInterval"`
	KeepaliveTimeout  time.Duration `yaml:"keepaliveTimeout"`
	CloseGrace        time.Duration `yaml:"closeGrace"`

	PairUpgrade UpgradePolicy `yaml:"pairUpgrade"`
	Codec       WireCodec     `yaml:"codec"`

	// CLI-only.
	Role    Role   `yaml:"role,omitempty"`
	WSAddr  string `yaml:"wsAddr,omitempty"`
	WSURL   string `yaml:"wsUrl,omitempty"`
	Channel uint32 `yaml:"channel,omitempty"`
}

// STUN servers for candidate gathering. No TURN by default: the tool aims
// for direct P2P connectivity with zero infrastructure cost.
var defaultServers = []ServerConfig{
	{URL: "stun:stun.l.google.com:19302"},
	{URL: "stun:stun1.l.google.com:19302"},
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Servers: append([]ServerConfig(nil), defaultServers...),
		Media: []MediaConfig{
			{Kind: "application", Direction: "sendrecv"},
		},
		ICEOptions:        []string{"trickle"},
		GatherTimeout:     5 * time.Second,
		CheckTimeout:      5 * time.Second,
		CheckPacing:       20 * time.Millisecond,
		ConnectTimeout:    30 * time.Second,
		KeepaliveInterval: 2 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		CloseGrace:        2 * time.Second,
		PairUpgrade:       UpgradeNone,
		Codec:             CodecJSON,
		Channel:           1,
	}
}

// Load reads a YAML file on top of Default() and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error

	for i, s := range c.Servers {
		if !strings.HasPrefix(s.URL, "stun:") && !strings.HasPrefix(s.URL, "stuns:") &&
			!strings.HasPrefix(s.URL, "turn:") && !strings.HasPrefix(s.URL, "turns:") {
			errs = append(errs, fmt.Errorf("servers[%d]: unsupported URL %q", i, s.URL))
		}
	}

	if len(c.Media) == 0 {
		errs = append(errs, errors.New("media: at least one section is required"))
	}
	for i, m := range c.Media {
		switch m.Kind {
		case "audio", "video", "application":
		default:
			errs = append(errs, fmt.Errorf("media[%d]: unknown kind %q", i, m.Kind))
		}
		switch m.Direction {
		case "sendrecv", "sendonly", "recvonly", "inactive":
		default:
			errs = append(errs, fmt.Errorf("media[%d]: unknown direction %q", i, m.Direction))
		}
	}

	for i, cidr := range c.HostCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, fmt.Errorf("hostCIDRs[%d]: %w", i, err))
		}
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"gatherTimeout", c.GatherTimeout},
		{"checkTimeout", c.CheckTimeout},
		{"checkPacing", c.CheckPacing},
		{"connectTimeout", c.ConnectTimeout},
		{"keepaliveInterval", c.KeepaliveInterval},
		{"keepaliveTimeout", c.KeepaliveTimeout},
		{"closeGrace", c.CloseGrace},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.KeepaliveTimeout > 0 && c.KeepaliveTimeout <= c.KeepaliveInterval {
		errs = append(errs, errors.New("keepaliveTimeout must exceed keepaliveInterval"))
	}

	switch c.PairUpgrade {
	case UpgradeNone, UpgradeHigher:
	default:
		errs = append(errs, fmt.Errorf("pairUpgrade: unknown policy %q", c.PairUpgrade))
	}
	switch c.Codec {
	case CodecJSON, CodecCBOR:
	default:
		errs = append(errs, fmt.Errorf("codec: unknown codec %q", c.Codec))
	}
	switch c.Role {
	case "", RoleOfferer, RoleAnswerer:
	default:
		errs = append(errs, fmt.Errorf("role: must be %q or %q", RoleOfferer, RoleAnswerer))
	}

	return errors.Join(errs...)
}

// ParsedHostCIDRs returns HostCIDRs as networks. Invalid entries are skipped;
// Validate reports them.
func (c Config) ParsedHostCIDRs() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range c.HostCIDRs {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}
