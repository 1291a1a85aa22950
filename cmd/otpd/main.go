// otpd runs the OTP cluster: Message Director, State Server, Database
// Server, and Client Agent in one process, each individually disableable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/toonlabs/otpd/internal/ca"
	"github.com/toonlabs/otpd/internal/config"
	"github.com/toonlabs/otpd/internal/db"
	"github.com/toonlabs/otpd/internal/dc"
	"github.com/toonlabs/otpd/internal/limits"
	"github.com/toonlabs/otpd/internal/md"
	"github.com/toonlabs/otpd/internal/monitoring"
	"github.com/toonlabs/otpd/internal/ss"
	"github.com/toonlabs/otpd/internal/zone"
)

var (
	noMessageDirector bool
	noStateServer     bool
	noDatabase        bool
	noClientAgent     bool
	debug             bool
)

var rootCmd = &cobra.Command{
	Use:   "otpd",
	Short: "otpd runs the OTP cluster services over one message bus",
	Long: "otpd runs the Message Director, State Server, Database Server, and\n" +
		"Client Agent. By default all four start in one process; --no-* flags\n" +
		"strip components for multi-process deployments.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCluster()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().BoolVar(&noMessageDirector, "no-messagedirector", false, "do not run the Message Director")
	rootCmd.Flags().BoolVar(&noStateServer, "no-stateserver", false, "do not run the State Server")
	rootCmd.Flags().BoolVar(&noDatabase, "no-database", false, "do not run the Database Server")
	rootCmd.Flags().BoolVar(&noClientAgent, "no-clientagent", false, "do not run the Client Agent")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "force debug logging")
}

func runCluster() error {
	bootLog := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
	cfg, err := config.Load(bootLog)
	if err != nil {
		return err
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	log := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(log)

	catalog, err := dc.NewToonFile()
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if cfg.CA.HashVal == 0 {
		cfg.CA.HashVal = catalog.Hash()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	monitoring.ServeMetrics(ctx, cfg.MetricsAddr, reg, log)

	errs := make(chan error, 4)
	running := 0

	if !noMessageDirector {
		director := md.New(md.Config{
			Addr:          cfg.MD.Addr,
			FlushInterval: cfg.MD.FlushInterval,
			QueueLimit:    cfg.MD.QueueLimit,
		}, log, monitoring.NewMDMetrics(reg))
		if err := director.Start(ctx); err != nil {
			return fmt.Errorf("message director: %w", err)
		}
		running++
		go func() {
			<-director.Done()
			errs <- nil
		}()
	}

	if !noStateServer {
		state := ss.New(ss.Config{
			MDAddr:  cfg.MD.Addr,
			Channel: cfg.SS.Channel,
		}, catalog, log, monitoring.NewSSMetrics(reg))
		running++
		go func() { errs <- state.Run(ctx) }()
	}

	if !noDatabase {
		database, err := db.New(db.Config{
			MDAddr:        cfg.MD.Addr,
			Channel:       cfg.DB.Channel,
			Directory:     cfg.DB.Directory,
			Extension:     cfg.DB.Extension,
			TrackerName:   cfg.DB.TrackerName,
			MinDoID:       cfg.DB.MinDoID,
			MaxDoID:       cfg.DB.MaxDoID,
			DrainInterval: cfg.DB.DrainInterval,
		}, catalog, log, monitoring.NewDBMetrics(reg))
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		running++
		go func() { errs <- database.Run(ctx) }()
	}

	if !noClientAgent {
		agent, err := ca.New(ca.Config{
			Addr:            cfg.CA.Addr,
			MDAddr:          cfg.MD.Addr,
			Version:         cfg.CA.Version,
			HashVal:         cfg.CA.HashVal,
			MinChannel:      cfg.CA.MinChannel,
			MaxChannel:      cfg.CA.MaxChannel,
			AccountsFile:    cfg.CA.AccountsFile,
			InterestTimeout: cfg.CA.InterestTimeout,
			OwnerGrantDelay: cfg.CA.OwnerGrantDelay,
		}, catalog, zone.FileLoader{Dir: cfg.CA.VisDir}, log, monitoring.NewCAMetrics(reg))
		if err != nil {
			return fmt.Errorf("client agent: %w", err)
		}

		rate := limits.NewConnRateLimiter(limits.ConnRateConfig{
			IPRate:      cfg.CA.IPRate,
			IPBurst:     cfg.CA.IPBurst,
			GlobalRate:  cfg.CA.GlobalRate,
			GlobalBurst: cfg.CA.GlobalBurst,
		}, log)
		defer rate.Stop()
		guard := limits.NewResourceGuard(limits.GuardConfig{
			MaxConnections:     cfg.CA.MaxConnections,
			CPURejectThreshold: cfg.CA.CPURejectThreshold,
			MemoryLimit:        cfg.CA.MemoryLimit,
		}, log)
		go guard.Run(ctx)
		agent.UseLimits(rate, guard)

		running++
		go func() { errs <- agent.Run(ctx) }()
	}

	if running == 0 {
		return fmt.Errorf("all components disabled")
	}

	// First failure wins; a clean ctx cancellation drains everyone.
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil {
			stop()
			log.Error().Err(err).Msg("component failed")
			return err
		}
	}
	log.Info().Msg("otpd stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
