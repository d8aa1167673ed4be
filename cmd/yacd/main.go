// Command yacd runs one validator of a YAC consensus cluster: it
// loads the genesis peer set and this validator's key, opens the
// block store, wires transport/ordering/simulator/YAC/synchronizer
// through internal/peerservice, and blocks until SIGINT/SIGTERM.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/empower1/yacnode/internal/blockstore"
	"github.com/empower1/yacnode/internal/config"
	"github.com/empower1/yacnode/internal/crypto"
	"github.com/empower1/yacnode/internal/model"
	"github.com/empower1/yacnode/internal/peerservice"
	"github.com/empower1/yacnode/internal/transport"
)

var (
	storeDir       string
	peersFile      string
	keyFile        string
	listenAddr     string
	validatorIndex int
	settingsFile   string
)

// configError distinguishes a bad-flag/bad-genesis-file startup
// failure (exit code 2) from every other kind of fatal error (exit
// code 1).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func badConfig(err error) error { return &configError{err: err} }

func main() {
	root := &cobra.Command{
		Use:           "yacd",
		Short:         "yacd runs one validator of a YAC consensus cluster.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	root.Flags().StringVar(&storeDir, "store", "./data", "block store directory")
	root.Flags().StringVar(&peersFile, "peers", "", "genesis peer set YAML file (required)")
	root.Flags().StringVar(&keyFile, "keyfile", "", "this validator's ECDSA private key PEM file (required)")
	root.Flags().StringVar(&listenAddr, "listen", "", "override the listen address declared for this peer in the genesis file")
	root.Flags().IntVar(&validatorIndex, "validator-index", -1, "this process's position in the genesis peer list (required)")
	root.Flags().StringVar(&settingsFile, "settings", "", "optional YAML file of runtime settings (timeouts, store/listen overrides)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "yacd:", err)
		var ce *configError
		if errors.As(err, &ce) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if peersFile == "" {
		return badConfig(fmt.Errorf("--peers is required"))
	}
	if keyFile == "" {
		return badConfig(fmt.Errorf("--keyfile is required"))
	}
	if validatorIndex < 0 {
		return badConfig(fmt.Errorf("--validator-index is required"))
	}

	genesisBytes, err := os.ReadFile(peersFile)
	if err != nil {
		return badConfig(fmt.Errorf("reading genesis file: %w", err))
	}
	genesis, peers, err := config.LoadGenesis(genesisBytes)
	if err != nil {
		return badConfig(err)
	}

	settings, err := config.LoadSettings(settingsFile)
	if err != nil {
		return badConfig(err)
	}
	if cmd.Flags().Changed("store") {
		settings.Store = storeDir
	}
	if listenAddr != "" {
		settings.Listen = listenAddr
	}

	selfID, err := config.SelfID(peers, validatorIndex)
	if err != nil {
		return badConfig(err)
	}
	if settings.Listen == "" {
		self, _ := peers.Get(selfID)
		settings.Listen = self.Address
	}

	priv, err := crypto.LoadPrivateKeyPEM(keyFile)
	if err != nil {
		return badConfig(fmt.Errorf("loading key file: %w", err))
	}
	signer, err := crypto.NewECDSASigner(priv)
	if err != nil {
		return badConfig(err)
	}
	verifier := crypto.NewECDSAVerifier()

	store, err := blockstore.Open(settings.Store, peers.SupermajorityThreshold())
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}
	if err := config.Bootstrap(store, peers, genesis.Timestamp); err != nil {
		return fmt.Errorf("bootstrapping genesis block: %w", err)
	}

	genesisState, err := replayState(store)
	if err != nil {
		return fmt.Errorf("replaying persisted chain: %w", err)
	}

	dialAddr := make(map[string]string, peers.Size())
	for _, p := range peers.Peers() {
		dialAddr[p.PeerID] = p.Address
	}
	tr := transport.NewTCPTransport(selfID, settings.Listen, dialAddr)

	svcCfg := peerservice.DefaultConfig()
	svcCfg.Yac.RoundTimeoutBase = settings.RoundTimeoutBase
	svcCfg.Yac.RoundTimeoutMax = settings.RoundTimeoutMax
	svcCfg.Ordering.RoundTimeoutBase = settings.RoundTimeoutBase
	svcCfg.Ordering.RoundTimeoutMax = settings.RoundTimeoutMax
	svcCfg.Sync.FetchTimeout = settings.FetchTimeout

	svc, err := peerservice.New(svcCfg, selfID, peers, signer, verifier, tr, store, genesisState)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	log.Printf("yacd: %s listening on %s, height %d", selfID, settings.Listen, store.CurrentHeight())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("yacd: %s shutting down", selfID)
	if err := svc.Stop(); err != nil {
		return fmt.Errorf("stopping node: %w", err)
	}
	return nil
}

// replayState rebuilds the WorldState implied by every block already
// in store: each block was already validated (signatures, monotonic
// counters, content hash) before it was appended, so replay here only
// needs to advance the per-creator counters, not re-verify anything.
func replayState(store *blockstore.Store) (*model.WorldState, error) {
	state := model.NewWorldState()
	for h := int64(1); h <= store.CurrentHeight(); h++ {
		block, err := store.Get(h)
		if err != nil {
			return nil, err
		}
		for _, tx := range block.Transactions {
			state.Advance(tx.Creator, tx.CreatorCounter)
		}
	}
	return state, nil
}
