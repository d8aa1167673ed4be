// Package config loads a node's genesis peer set from a YAML file and
// its runtime settings (store path, listen address, timeouts) from a
// separate optional settings file plus environment overrides, and bootstraps
// the block store with the genesis block on first boot.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/empower1/yacnode/internal/model"
)

var (
	ErrNoPeers      = errors.New("config: genesis file declares no peers")
	ErrSelfNotPeer  = errors.New("config: validator index is out of range for the declared peer set")
	ErrBadPublicKey = errors.New("config: peer public key is not valid hex")
)

// PeerEntry is one genesis peer as written in the YAML peer file.
// PublicKey is hex-encoded because YAML has no native byte-string type.
type PeerEntry struct {
	ID        string `yaml:"id"`
	Address   string `yaml:"address"`
	PublicKey string `yaml:"public_key"`
}

// GenesisFile is the full contents of the file named by --peers: the
// fixed validator set this node runs consensus against, plus the
// timestamp stamped into the genesis block every node bootstraps
// identically from.
type GenesisFile struct {
	Peers     []PeerEntry `yaml:"peers"`
	Timestamp int64       `yaml:"timestamp"`
}

// LoadGenesis parses a genesis peer file into a frozen PeerSet.
func LoadGenesis(data []byte) (*GenesisFile, *model.PeerSet, error) {
	var gf GenesisFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, nil, fmt.Errorf("config: parsing genesis file: %w", err)
	}
	if len(gf.Peers) == 0 {
		return nil, nil, ErrNoPeers
	}

	infos := make([]model.PeerInfo, len(gf.Peers))
	for i, p := range gf.Peers {
		key, err := hex.DecodeString(p.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: peer %s: %v", ErrBadPublicKey, p.ID, err)
		}
		infos[i] = model.PeerInfo{PeerID: p.ID, Address: p.Address, PublicKey: key}
	}

	peers, err := model.NewPeerSet(infos)
	if err != nil {
		return nil, nil, fmt.Errorf("config: building peer set: %w", err)
	}
	return &gf, peers, nil
}

// Settings are the scalar runtime knobs not tied to validator
// identity: where to keep the block store, what address to listen on,
// and the timeouts consensus and catch-up run with. Mirrors the
// teacher's flat mapstructure-tagged config struct, scaled down to
// this module's actual knobs.
type Settings struct {
	Store            string        `mapstructure:"store"`
	Listen           string        `mapstructure:"listen"`
	RoundTimeoutBase time.Duration `mapstructure:"round_timeout_base"`
	RoundTimeoutMax  time.Duration `mapstructure:"round_timeout_max"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
}

// DefaultSettings mirrors internal/yac.DefaultConfig and
// internal/sync.DefaultConfig's own defaults, so a node started with no
// settings file behaves the same as one started with an explicit file
// that merely echoes the defaults.
func DefaultSettings() Settings {
	return Settings{
		Store:            "./data",
		Listen:           "",
		RoundTimeoutBase: 2 * time.Second,
		RoundTimeoutMax:  32 * time.Second,
		FetchTimeout:     10 * time.Second,
	}
}

// LoadSettings reads settingsPath (if non-empty) over DefaultSettings,
// then applies YACD_-prefixed environment overrides, exactly the
// override order the teacher's own config loader uses.
func LoadSettings(settingsPath string) (Settings, error) {
	out := DefaultSettings()

	v := viper.New()
	v.SetDefault("store", out.Store)
	v.SetDefault("listen", out.Listen)
	v.SetDefault("round_timeout_base", out.RoundTimeoutBase)
	v.SetDefault("round_timeout_max", out.RoundTimeoutMax)
	v.SetDefault("fetch_timeout", out.FetchTimeout)

	v.SetEnvPrefix("YACD")
	v.AutomaticEnv()

	if settingsPath != "" {
		v.SetConfigFile(settingsPath)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("config: reading settings file: %w", err)
		}
	}

	if err := v.Unmarshal(&out); err != nil {
		return Settings{}, fmt.Errorf("config: unmarshaling settings: %w", err)
	}
	return out, nil
}

// SelfID resolves --validator-index against peers, the way cmd/yacd
// turns a positional index in the genesis file into this process's
// own peer identity.
func SelfID(peers *model.PeerSet, validatorIndex int) (string, error) {
	all := peers.Peers()
	if validatorIndex < 0 || validatorIndex >= len(all) {
		return "", fmt.Errorf("%w: index %d, %d peers declared", ErrSelfNotPeer, validatorIndex, len(all))
	}
	return all[validatorIndex].PeerID, nil
}

// Store is the minimal block-store surface Bootstrap needs. Satisfied
// by *blockstore.Store.
type Store interface {
	CurrentHeight() int64
	Append(block *model.Block, votes []model.VoteMessage, threshold int) error
}

// Bootstrap writes the sentinel genesis block -- height 1, no
// transactions -- directly into store if it is still empty. There is
// no BFT round for genesis: every node parses the identical genesis
// file and accepts the resulting block on faith, so the "certificate"
// attached here simply names every declared peer rather than
// aggregating real network votes. Grounded in
// original_source/irohad/main/application.cpp's genesis-block-if-
// absent startup flow.
func Bootstrap(store Store, peers *model.PeerSet, genesisTimestamp int64) error {
	if store.CurrentHeight() > 0 {
		return nil
	}

	block := &model.Block{Height: 1, CreatedAt: genesisTimestamp}
	hash, err := block.ComputeHash()
	if err != nil {
		return fmt.Errorf("config: computing genesis block hash: %w", err)
	}
	block.Hash = hash

	infos := peers.Peers()
	genesisHash := model.YacHash{ProposalHash: hash, BlockHash: hash}
	votes := make([]model.VoteMessage, len(infos))
	for i, p := range infos {
		votes[i] = model.VoteMessage{Height: 1, Hash: genesisHash, PeerID: p.PeerID, PublicKey: p.PublicKey}
	}

	if err := store.Append(block, votes, peers.SupermajorityThreshold()); err != nil {
		return fmt.Errorf("config: writing genesis block: %w", err)
	}
	return nil
}
