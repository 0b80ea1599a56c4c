package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/sovmesh/microledger/internal/alert"
	"github.com/sovmesh/microledger/internal/config"
	"github.com/sovmesh/microledger/internal/consensus"
	"github.com/sovmesh/microledger/internal/keyring"
	"github.com/sovmesh/microledger/internal/ledger"
	"github.com/sovmesh/microledger/internal/transport"
	"github.com/sovmesh/microledger/internal/verify"
)

var (
	cfgFile      string
	logLevel     string
	txnFlags     []string
	participants []string
)

var rootCmd = &cobra.Command{
	Use:   "mledger",
	Short: "Microledger - replicated pairwise ledger agent",
	Long:  `A decentralized agent keeping identical append-only ledgers across a fixed set of participants`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "mledger.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)

	initLedgerCmd.Flags().StringArrayVar(&txnFlags, "txn", nil, "genesis transaction payload as JSON (repeatable)")
	initLedgerCmd.Flags().StringSliceVar(&participants, "participants", nil, "participant ids (default: local node plus all configured peers)")
	rootCmd.AddCommand(initLedgerCmd)

	commitCmd.Flags().StringArrayVar(&txnFlags, "txn", nil, "transaction payload as JSON (repeatable)")
	commitCmd.Flags().StringSliceVar(&participants, "participants", nil, "participant ids (default: local node plus all configured peers)")
	rootCmd.AddCommand(commitCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mledger v0.1.0-alpha")
		fmt.Println("Replicated Pairwise Ledger Agent")
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing seed and its verification key",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("failed to generate seed: %w", err)
		}

		seedHex := hex.EncodeToString(seed)
		keys, err := keyring.FromSeed("", seedHex)
		if err != nil {
			return err
		}

		fmt.Printf("Seed (keep secret): %s\n", seedHex)
		fmt.Printf("Verkey (share with peers): %s\n", keys.Verkey())
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, err := ledger.Open(dbPath(cfg))
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		keys, err := localKeyring(cfg)
		if err != nil {
			return err
		}

		fmt.Printf("Initialized agent: %s\n", cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Verkey: %s\n", keys.Verkey())
		fmt.Printf("Configured peers: %d\n", len(cfg.Peers))
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent and accept consensus runs from peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		n, err := openNode(cfg)
		if err != nil {
			return err
		}
		defer n.store.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		verifier := verify.NewVerifier(n.store, n.alerts, n.log, 10*time.Minute)
		if err := verifier.Start(ctx); err != nil {
			return fmt.Errorf("failed to start verifier: %w", err)
		}
		defer verifier.Stop()

		serveErr := make(chan error, 1)
		go func() {
			serveErr <- n.bus.Serve(ctx, n.mux, n.acceptInbound(ctx))
		}()

		fmt.Printf("Agent %s listening on %s. Press Ctrl+C to stop.\n", cfg.Node.ID, cfg.Node.BindAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			cancel()
			<-serveErr
		case err := <-serveErr:
			if err != nil {
				return err
			}
		}

		fmt.Println("Agent stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display agent and ledger status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := ledger.Open(dbPath(cfg))
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Data Directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("\nLedgers:\n")

		names, err := store.Names()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("  (none)")
			return nil
		}

		for _, name := range names {
			snap, err := store.Snapshot(name)
			if err != nil {
				fmt.Printf("  - %s: %v\n", name, err)
				continue
			}
			fmt.Printf("  - %s\n", name)
			fmt.Printf("    Committed: %d transactions\n", snap.Size)
			if snap.UncommittedSize > snap.Size {
				fmt.Printf("    Pending: %d transactions\n", snap.UncommittedSize-snap.Size)
			}
			fmt.Printf("    Root hash: %s\n", snap.RootHash)
		}

		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [ledger]",
	Short: "Verify ledger hash chain integrity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store, err := ledger.Open(dbPath(cfg))
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		verifier := verify.NewVerifier(store, nil, newLogger(), 0)

		names := args
		if len(names) == 0 {
			if names, err = store.Names(); err != nil {
				return err
			}
		}

		failed := false
		for _, name := range names {
			fmt.Printf("Verifying ledger: %s\n", name)
			if err := verifier.VerifyLedger(name); err != nil {
				failed = true
				fmt.Printf("  FAILED: %v\n", err)
			} else {
				fmt.Printf("  OK: hash chain is intact\n")
			}
		}

		if failed {
			return fmt.Errorf("verification failed")
		}
		return nil
	},
}

var initLedgerCmd = &cobra.Command{
	Use:   "init-ledger <name>",
	Short: "Propose a new ledger to the participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		txns, err := parseTxns(txnFlags)
		if err != nil {
			return err
		}
		if len(txns) == 0 {
			return fmt.Errorf("at least one --txn is required")
		}

		return withNode(cfg, func(ctx context.Context, n *node) error {
			snap, err := n.machine(cfg).InitLedger(ctx, args[0], resolveParticipants(cfg), txns)
			if err != nil {
				return err
			}

			fmt.Printf("Ledger %s initialized across %d participants\n", snap.Name, len(resolveParticipants(cfg)))
			fmt.Printf("Size: %d, root hash: %s\n", snap.Size, snap.RootHash)
			return nil
		})
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit <name>",
	Short: "Propose transactions for an existing ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		txns, err := parseTxns(txnFlags)
		if err != nil {
			return err
		}
		if len(txns) == 0 {
			return fmt.Errorf("at least one --txn is required")
		}

		return withNode(cfg, func(ctx context.Context, n *node) error {
			accepted, err := n.machine(cfg).Commit(ctx, args[0], resolveParticipants(cfg), txns)
			if err != nil {
				return err
			}

			fmt.Printf("Committed %d transactions to %s\n", len(accepted), args[0])
			for _, txn := range accepted {
				fmt.Printf("  seq %d at %s\n", txn.Meta.Seq, txn.Meta.Time)
			}
			return nil
		})
	},
}

// node bundles the running collaborators of one agent process.
type node struct {
	keys   *keyring.Keyring
	store  *ledger.Store
	bus    *transport.TCPBus
	mux    *transport.Mux
	alerts *alert.Manager
	log    hclog.Logger
}

func newLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "mledger",
		Level: hclog.LevelFromString(logLevel),
	})
}

func dbPath(cfg *config.Config) string {
	return filepath.Join(cfg.Node.DataDir, "mledger.db")
}

func localKeyring(cfg *config.Config) (*keyring.Keyring, error) {
	if cfg.Node.Seed == "" {
		return nil, fmt.Errorf("node.seed is required, generate one with 'mledger keygen'")
	}

	keys, err := keyring.FromSeed(cfg.Node.ID, cfg.Node.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	for _, peer := range cfg.Peers {
		if err := keys.AddPeer(peer.ID, peer.Verkey); err != nil {
			return nil, fmt.Errorf("failed to register peer %s: %w", peer.ID, err)
		}
	}
	return keys, nil
}

func openNode(cfg *config.Config) (*node, error) {
	keys, err := localKeyring(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := ledger.Open(dbPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	log := newLogger()
	bus := transport.NewTCPBus(cfg.Node.BindAddr, cfg.PeerAddrs(), log)

	return &node{
		keys:   keys,
		store:  store,
		bus:    bus,
		mux:    transport.NewMux(cfg.Node.ID, bus, log),
		alerts: alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook),
		log:    log,
	}, nil
}

func (n *node) machine(cfg *config.Config) *consensus.Machine {
	return consensus.New(consensus.Config{
		Keyring: n.keys,
		Store:   n.store,
		Mux:     n.mux,
		Alerts:  n.alerts,
		Logger:  n.log,
		Timeout: cfg.ConsensusTimeout(),
	})
}

// acceptInbound is the reactive side of the protocol: every unclaimed
// first-phase message starts a fresh acceptor-mode machine.
func (n *node) acceptInbound(ctx context.Context) func(*transport.Envelope) {
	return func(env *transport.Envelope) {
		msg, err := consensus.Decode(env)
		if err != nil {
			n.log.Warn("dropping undecodable envelope", "from", env.From, "kind", env.Kind, "error", err)
			return
		}

		m := consensus.New(consensus.Config{
			Keyring: n.keys,
			Store:   n.store,
			Mux:     n.mux,
			Alerts:  n.alerts,
			Logger:  n.log,
		})

		switch propose := msg.(type) {
		case *consensus.ProposeInit:
			if _, err := m.AcceptLedger(ctx, env.From, env.Thread, propose); err != nil {
				n.log.Error("ledger initialization rejected", "from", env.From, "error", err)
			}
		case *consensus.ProposeCommit:
			if err := m.AcceptCommit(ctx, env.From, env.Thread, propose); err != nil {
				n.log.Error("commit rejected", "from", env.From, "error", err)
			}
		default:
			n.log.Warn("ignoring out-of-band message", "from", env.From, "kind", env.Kind)
		}
	}
}

// withNode runs a leader-mode operation with the wire listener up, so
// peer replies can come back, then tears everything down.
func withNode(cfg *config.Config, fn func(context.Context, *node) error) error {
	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- n.bus.Serve(ctx, n.mux, nil)
	}()

	// Give the listener a moment to bind before proposing.
	time.Sleep(100 * time.Millisecond)

	runErr := fn(ctx, n)
	cancel()
	if err := <-serveErr; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func parseTxns(raw []string) ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0, len(raw))
	for i, item := range raw {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(item), &payload); err != nil {
			return nil, fmt.Errorf("invalid --txn %d: %w", i+1, err)
		}
		out = append(out, ledger.Transaction{Payload: payload})
	}
	return out, nil
}

func resolveParticipants(cfg *config.Config) []string {
	if len(participants) > 0 {
		return participants
	}

	out := []string{cfg.Node.ID}
	for _, peer := range cfg.Peers {
		out = append(out, peer.ID)
	}
	return out
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
