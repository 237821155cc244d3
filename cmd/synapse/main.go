package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"synapse/core"
	"synapse/pkg/config"
)

// node bundles the components a single CLI invocation needs. Each
// invocation is a fresh, short-lived process; persistence across
// invocations comes from the FileChainStore backing the Blockchain, not
// from anything kept in memory here.
type node struct {
	logger     *logrus.Logger
	registry   *core.TransportRegistry
	manager    *core.TransportManager
	staking    *core.StakingManager
	blockchain *core.Blockchain
	consensus  *core.ConsensusEngine
	verifier   *core.VerificationEngine
	entities   *core.EntityRegistry
}

const chainFilePath = "synapse.chain"

func newNode() (*node, error) {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	mgrCfg, stakingCfg, blockchainCfg, verificationCfg, consensusCfg := loadConfigs(logger)

	registry := core.NewTransportRegistry()
	registry.Register(core.TCPFactory{})
	registry.Register(core.UDPFactory{})
	registry.Register(core.HTTPFactory{})
	registry.Register(core.EmailFactory{})
	registry.Register(core.MDNSFactory{})
	registry.Register(core.WebSocketFactory{})

	metrics := core.NewUnifiedMetrics(nil)
	manager := core.NewTransportManager(registry, mgrCfg, metrics, logger)
	enabled := mgrCfg.EnabledTransports
	if len(enabled) == 0 {
		enabled = []core.TransportType{core.TransportTCP, core.TransportUDP, core.TransportHTTP}
	}
	for _, tt := range enabled {
		if err := manager.RegisterTransport(tt, mgrCfg.TransportConfigs[tt]); err != nil {
			logger.WithError(err).WithField("transport", tt).Warn("failed to register transport")
		}
	}

	store := core.NewFileChainStore(chainFilePath)

	var bc *core.Blockchain
	staking := core.NewStakingManager(chainReaderFor(&bc), stakingCfg, logger)

	blockchainCfg.Staking = stakingCfg
	var err error
	bc, err = core.NewBlockchain(blockchainCfg, staking, store, logger)
	if err != nil {
		return nil, err
	}

	verifier := core.NewVerificationEngine(verificationCfg, staking)
	consensus := core.NewConsensusEngine(consensusCfg, core.Ed25519Signer{}, logger)

	return &node{
		logger:     logger,
		registry:   registry,
		manager:    manager,
		staking:    staking,
		blockchain: bc,
		consensus:  consensus,
		verifier:   verifier,
		entities:   core.NewEntityRegistry(),
	}, nil
}

// loadConfigs loads pkg/config's viper-backed Config (cmd/config/*.yaml plus
// SYNAPSE_ENV overrides) and maps it onto the core engine configs. A
// missing or malformed config file is not fatal: every engine already
// ships a workable Default*Config, so a warning and the built-in defaults
// keep the CLI usable without a config directory present.
func loadConfigs(logger *logrus.Logger) (core.ManagerConfig, core.StakingConfig, core.BlockchainConfig, core.VerificationConfig, core.ConsensusConfig) {
	appCfg, err := config.LoadFromEnv()
	if err != nil {
		logger.WithError(err).Warn("no config file loaded, using built-in defaults")
		return core.DefaultManagerConfig(), core.DefaultStakingConfig(), core.DefaultBlockchainConfig(),
			core.DefaultVerificationConfig(), core.DefaultConsensusConfig()
	}

	mgrCfg := managerConfigFromAppConfig(appCfg.Transport)

	stakingCfg := core.StakingConfig{
		MinStakeAmount:       appCfg.Blockchain.Staking.MinStakeAmount,
		MaxStakeAmount:       appCfg.Blockchain.Staking.MaxStakeAmount,
		MinStakeForReport:    appCfg.Blockchain.Staking.MinStakeForReport,
		MinStakeForConsensus: appCfg.Blockchain.Staking.MinStakeForConsensus,
		SlashPercentage:      appCfg.Blockchain.Staking.SlashPercentage,
	}

	blockchainCfg := core.BlockchainConfig{
		GenesisTrustPoints: appCfg.Blockchain.GenesisTrustPoints,
		BlockTimeSeconds:   appCfg.Blockchain.BlockTimeSeconds,
		MinConsensusNodes:  appCfg.Blockchain.MinConsensusNodes,
		Staking:            stakingCfg,
		TrustDecay: core.TrustDecayConfig{
			MonthlyDecayRate:        appCfg.Blockchain.TrustDecay.MonthlyDecayRate,
			MinActivityDays:         appCfg.Blockchain.TrustDecay.MinActivityDays,
			DecayCheckIntervalHours: appCfg.Blockchain.TrustDecay.DecayCheckIntervalHours,
		},
	}

	verificationCfg := core.VerificationConfig{
		MaxTransactionsPerBlock: appCfg.Blockchain.MaxTransactionsPerBlock,
		MinStakeForReport:       appCfg.Blockchain.Staking.MinStakeForReport,
		MinStakeForConsensus:    appCfg.Blockchain.Staking.MinStakeForConsensus,
	}

	consensusCfg := core.ConsensusConfig{
		MinStakeForConsensus: appCfg.Blockchain.Staking.MinStakeForConsensus,
		MinTrustScore:        appCfg.Blockchain.MinTrustScore,
		BlockTimeSeconds:     appCfg.Blockchain.BlockTimeSeconds,
		MinConsensusNodes:    appCfg.Blockchain.MinConsensusNodes,
		MaxPendingTxPerBlock: appCfg.Blockchain.MaxPendingTxPerBlock,
	}

	return mgrCfg, stakingCfg, blockchainCfg, verificationCfg, consensusCfg
}

// managerConfigFromAppConfig maps the config package's plain, YAML-friendly
// TransportManagerConfig onto core.ManagerConfig's typed equivalent.
func managerConfigFromAppConfig(t config.TransportManagerConfig) core.ManagerConfig {
	cfg := core.DefaultManagerConfig()

	if len(t.EnabledTransports) > 0 {
		cfg.EnabledTransports = make([]core.TransportType, 0, len(t.EnabledTransports))
		for _, name := range t.EnabledTransports {
			cfg.EnabledTransports = append(cfg.EnabledTransports, core.TransportType(name))
		}
	}
	if policy, ok := parseSelectionPolicy(t.SelectionPolicy); ok {
		cfg.SelectionPolicy = policy
	}

	cfg.Failover = core.FailoverConfig{
		Enabled:           t.Failover.Enabled,
		MaxRetries:        t.Failover.MaxRetries,
		RetryDelayMs:      uint64(t.Failover.RetryDelayMS),
		MaxRetryDelayMs:   uint64(t.Failover.MaxRetryDelayMS),
		FailureThreshold:  t.Failover.FailureThreshold,
		RecoveryTimeoutMs: uint64(t.Failover.RecoveryTimeoutMS),
	}
	cfg.OperationTimeoutMs = uint64(t.OperationTimeoutMS)
	cfg.MetricsUpdateInterval = time.Duration(t.MetricsUpdateIntervalMS) * time.Millisecond
	cfg.BreakerConfig = core.BreakerConfig{
		FailureThreshold:  t.CircuitBreaker.FailureThreshold,
		MinimumRequests:   t.CircuitBreaker.MinimumRequests,
		FailureWindow:     time.Duration(t.CircuitBreaker.FailureWindowMS) * time.Millisecond,
		RecoveryTimeout:   time.Duration(t.CircuitBreaker.RecoveryTimeoutMS) * time.Millisecond,
		HalfOpenMaxCalls:  t.CircuitBreaker.HalfOpenMaxCalls,
		SuccessThreshold:  t.CircuitBreaker.SuccessThreshold,
	}

	if len(t.TransportConfigs) > 0 {
		cfg.TransportConfigs = make(map[core.TransportType]map[string]string, len(t.TransportConfigs))
		for name, kv := range t.TransportConfigs {
			cfg.TransportConfigs[core.TransportType(name)] = kv
		}
	}
	return cfg
}

// parseSelectionPolicy parses the config file's human-readable policy name.
// It returns ok=false for an empty or unrecognized value so the caller can
// keep the Manager's default policy.
func parseSelectionPolicy(s string) (core.SelectionPolicy, bool) {
	switch s {
	case "FirstAvailable":
		return core.FirstAvailable, true
	case "UrgencyBased":
		return core.UrgencyBased, true
	case "PerformanceBased":
		return core.PerformanceBased, true
	case "Adaptive":
		return core.Adaptive, true
	case "RoundRobin":
		return core.RoundRobin, true
	case "PreferenceOrder":
		return core.PreferenceOrder, true
	default:
		return 0, false
	}
}

// chainReaderFor returns a ChainReader that forwards to *bcPtr once it is
// constructed. The StakingManager reads blocks through the narrow
// ChainReader interface while the Blockchain takes the concrete
// *StakingManager, so the StakingManager is built first and this
// indirection lets it reach the Blockchain assigned afterwards.
func chainReaderFor(bcPtr **core.Blockchain) core.ChainReader {
	return chainReaderFunc(func() []*core.Block {
		if *bcPtr == nil {
			return nil
		}
		return (*bcPtr).Blocks()
	})
}

type chainReaderFunc func() []*core.Block

func (f chainReaderFunc) Blocks() []*core.Block { return f() }

func main() {
	rootCmd := &cobra.Command{Use: "synapse"}
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(stakeCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(chainCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func sendCmd() *cobra.Command {
	var to, urgency, address string
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "send a message to an entity via the transport manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := n.manager.Start(ctx); err != nil {
				n.logger.WithError(err).Warn("one or more transports failed to start")
			}
			defer n.manager.Stop()

			u := parseUrgency(urgency)
			target := core.TransportTarget{
				Identifier: core.EntityID(to),
				Address:    address,
				Urgency:    u,
			}
			msg := core.SecureMessage{
				MessageID:     fmt.Sprintf("cli-%d", time.Now().UnixNano()),
				From:          "cli",
				To:            core.EntityID(to),
				Timestamp:     time.Now().UTC(),
				SecurityLevel: core.SecurityAuthenticated,
				Payload:       []byte(args[0]),
			}
			receipt, err := n.manager.SendMessage(ctx, target, msg)
			if err != nil {
				return err
			}
			fmt.Printf("sent via %s, target_reached=%v\n", receipt.TransportUsed, receipt.TargetReached)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient entity id")
	cmd.Flags().StringVar(&address, "address", "", "recipient transport address")
	cmd.Flags().StringVar(&urgency, "urgency", "Interactive", "Critical|RealTime|Interactive|Background|Batch")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show per-transport status and circuit-breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			for _, tt := range []core.TransportType{
				core.TransportTCP, core.TransportUDP, core.TransportHTTP,
				core.TransportEmail, core.TransportMDNS, core.TransportWebSocket,
			} {
				state, err := n.manager.BreakerState(tt)
				if err != nil {
					fmt.Printf("%-10s not registered\n", tt)
					continue
				}
				fmt.Printf("%-10s breaker=%s\n", tt, state)
			}
			return nil
		},
	}
}

func stakeCmd() *cobra.Command {
	var participant string
	var amount uint64
	var purpose string
	cmd := &cobra.Command{
		Use:   "stake",
		Short: "lock trust points toward a purpose",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			id, err := n.staking.StakePoints(core.EntityID(participant), amount, parsePurpose(purpose))
			if err != nil {
				return err
			}
			fmt.Printf("staked %d for %s, stake_id=%s\n", amount, participant, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "participant entity id")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to stake")
	cmd.Flags().StringVar(&purpose, "purpose", "consensus", "consensus|reporting|identity")
	return cmd
}

func reportCmd() *cobra.Command {
	var reporter, subject, category string
	var score int
	var stake uint64
	var nonce uint64
	cmd := &cobra.Command{
		Use:   "report",
		Short: "submit a trust report",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			txID, err := n.blockchain.SubmitTrustReport(
				core.EntityID(reporter), core.EntityID(subject), score, category, stake, "", nonce,
			)
			if err != nil {
				return err
			}
			fmt.Printf("submitted trust report tx=%s\n", txID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reporter, "reporter", "", "reporter entity id")
	cmd.Flags().StringVar(&subject, "subject", "", "subject entity id")
	cmd.Flags().IntVar(&score, "score", 0, "score in [-100,100]")
	cmd.Flags().StringVar(&category, "category", "general", "report category")
	cmd.Flags().Uint64Var(&stake, "stake", 0, "trust points staked on this report")
	cmd.Flags().Uint64Var(&nonce, "nonce", 1, "reporter's next nonce")
	return cmd
}

func chainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain"}

	height := &cobra.Command{
		Use:   "height",
		Short: "print the current chain height",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			last := n.blockchain.LastBlock()
			if last == nil {
				fmt.Println("height: 0 (genesis not yet produced)")
				return nil
			}
			fmt.Printf("height: %d\n", last.Number)
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "verify every block in the chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			blocks := n.blockchain.Blocks()
			var prev *core.Block
			for _, blk := range blocks {
				result := n.verifier.Verify(blk, prev)
				if !result.IsValid {
					fmt.Printf("block %d: INVALID: %v\n", blk.Number, result.Errors)
				} else {
					fmt.Printf("block %d: valid\n", blk.Number)
				}
				prev = blk
			}
			return nil
		},
	}

	score := &cobra.Command{
		Use:   "score <participant>",
		Short: "print a participant's 30-day time-weighted trust score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			fmt.Printf("%s: %.2f\n", args[0], n.blockchain.GetTrustScore(core.EntityID(args[0])))
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export <file.yaml>",
		Short: "write a human-readable snapshot of the chain to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNode()
			if err != nil {
				return err
			}
			snapshot := chainSnapshot{}
			for _, blk := range n.blockchain.Blocks() {
				entry := blockSummary{
					Number:       blk.Number,
					Hash:         fmt.Sprintf("%x", blk.Hash),
					PreviousHash: fmt.Sprintf("%x", blk.PreviousHash),
					Timestamp:    blk.Timestamp,
					NumTxs:       len(blk.Transactions),
				}
				snapshot.Blocks = append(snapshot.Blocks, entry)
			}
			out, err := yaml.Marshal(snapshot)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], out, 0o644); err != nil {
				return err
			}
			fmt.Printf("exported %d blocks to %s\n", len(snapshot.Blocks), args[0])
			return nil
		},
	}

	cmd.AddCommand(height, validate, score, export)
	return cmd
}

// chainSnapshot and blockSummary back `chain export`. They deliberately
// hold only display fields, not full transaction payloads, so the
// resulting YAML stays reviewable by hand.
type chainSnapshot struct {
	Blocks []blockSummary `yaml:"blocks"`
}

type blockSummary struct {
	Number       uint64    `yaml:"number"`
	Hash         string    `yaml:"hash"`
	PreviousHash string    `yaml:"previous_hash"`
	Timestamp    time.Time `yaml:"timestamp"`
	NumTxs       int       `yaml:"num_transactions"`
}

func parseUrgency(s string) core.Urgency {
	switch s {
	case "Critical":
		return core.UrgencyCritical
	case "RealTime":
		return core.UrgencyRealTime
	case "Background":
		return core.UrgencyBackground
	case "Batch":
		return core.UrgencyBatch
	default:
		return core.UrgencyInteractive
	}
}

func parsePurpose(s string) core.StakePurpose {
	switch s {
	case "reporting":
		return core.PurposeTrustReporting
	case "identity":
		return core.PurposeIdentityVerification
	default:
		return core.PurposeConsensusValidator
	}
}
