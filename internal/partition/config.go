package partition

import (
	"fmt"

	"github.com/roach88/botsync/internal/bots"
)

// Partition types accepted in configuration.
const (
	TypeMemory             = "memory"
	TypeYjs                = "yjs"
	TypeYjsClient          = "yjs_client"
	TypeRemoteYjs          = "remote_yjs"
	TypeCausalRepo         = "causal_repo"
	TypeCausalRepoClient   = "causal_repo_client"
	TypeRemoteCausalRepo   = "remote_causal_repo"
	TypeOtherPlayersRepo   = "other_players_repo"
	TypeOtherPlayersClient = "other_players_client"
	TypeBotClient          = "bot_client"
	TypeLocalStorage       = "local_storage"
	TypeProxy              = "proxy"
	TypeProxyClient        = "proxy_client"
)

// Connection protocols of remote partitions.
const (
	ProtocolWebSocket = "websocket"
	ProtocolMemory    = "memory"
)

// DefaultPasscode unlocks static partitions that configure none.
const DefaultPasscode = "3342"

// Config describes one partition. Type selects the backend; the other
// fields are read by the backends they apply to.
type Config struct {
	Type string `yaml:"type" json:"type"`

	// memory and yjs
	InitialState bots.BotsState `yaml:"initialState,omitempty" json:"initialState,omitempty"`

	// remote backends
	Branch             string `yaml:"branch,omitempty" json:"branch,omitempty"`
	Host               string `yaml:"host,omitempty" json:"host,omitempty"`
	RecordName         string `yaml:"recordName,omitempty" json:"recordName,omitempty"`
	Inst               string `yaml:"inst,omitempty" json:"inst,omitempty"`
	ReadOnly           bool   `yaml:"readOnly,omitempty" json:"readOnly,omitempty"`
	Static             bool   `yaml:"static,omitempty" json:"static,omitempty"`
	SkipInitialLoad    bool   `yaml:"skipInitialLoad,omitempty" json:"skipInitialLoad,omitempty"`
	Temporary          bool   `yaml:"temporary,omitempty" json:"temporary,omitempty"`
	RemoteEvents       *bool  `yaml:"remoteEvents,omitempty" json:"remoteEvents,omitempty"`
	ConnectionProtocol string `yaml:"connectionProtocol,omitempty" json:"connectionProtocol,omitempty"`
	Passcode           string `yaml:"passcode,omitempty" json:"passcode,omitempty"`

	// LocalPersistence mirrors the document into the local cache.
	LocalPersistence bool `yaml:"localPersistence,omitempty" json:"localPersistence,omitempty"`
}

// RemoteEventsEnabled reports whether inbound device actions are surfaced.
// Unset means enabled.
func (c *Config) RemoteEventsEnabled() bool {
	return c.RemoteEvents == nil || *c.RemoteEvents
}

// UnlockPasscode returns the configured passcode or DefaultPasscode.
func (c *Config) UnlockPasscode() string {
	if c.Passcode == "" {
		return DefaultPasscode
	}
	return c.Passcode
}

// Is reports whether the config has one of the given types.
func (c *Config) Is(types ...string) bool {
	for _, t := range types {
		if c.Type == t {
			return true
		}
	}
	return false
}

// Factory builds the partition described by cfg. It returns (nil, nil)
// when cfg is not of a type it handles.
type Factory func(id string, cfg *Config) (Partition, error)

// Chain returns a factory that tries each factory in order and returns the
// first partition built.
func Chain(factories ...Factory) Factory {
	return func(id string, cfg *Config) (Partition, error) {
		for _, f := range factories {
			p, err := f(id, cfg)
			if err != nil {
				return nil, fmt.Errorf("partition %q (%s): %w", id, cfg.Type, err)
			}
			if p != nil {
				return p, nil
			}
		}
		return nil, nil
	}
}

// MemoryFactory builds memory partitions.
func MemoryFactory(id string, cfg *Config) (Partition, error) {
	if !cfg.Is(TypeMemory) {
		return nil, nil
	}
	return NewMemory(MemoryOptions{InitialState: cfg.InitialState}), nil
}
