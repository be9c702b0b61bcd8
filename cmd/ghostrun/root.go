package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ghostrun/ghostbrowser/internal/config"
	"github.com/ghostrun/ghostbrowser/internal/decomposer"
	"github.com/ghostrun/ghostbrowser/internal/loop"
	"github.com/ghostrun/ghostbrowser/internal/navigator"
	"github.com/ghostrun/ghostbrowser/internal/navigator/tier1"
	"github.com/ghostrun/ghostbrowser/internal/navigator/tier2"
	"github.com/ghostrun/ghostbrowser/internal/orchestrator"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient"
	"github.com/ghostrun/ghostbrowser/internal/sessionclient/rodclient"
)

var (
	verbose    bool
	configPath string
	headless   bool
	debuggerURL string
	apiKey     string
	tier2Key   string
	timeout    time.Duration

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ghostrun",
	Short: "Ghost Browser - agentic browser automation over a pooled session runtime",
	Long: `ghostrun drives natural-language browser tasks through a tiered
perception-action loop over a warm pool of isolated Chrome sessions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			zcfg.Encoding = "console"
			zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults apply if absent)")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "launch Chrome headless")
	rootCmd.PersistentFlags().StringVar(&debuggerURL, "debugger-url", "", "connect to an already-running Chrome instead of launching one")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Tier 1 navigator API key (overrides the NAVIGATOR_API_KEY env var)")
	rootCmd.PersistentFlags().StringVar(&tier2Key, "tier2-api-key", "", "Tier 2 (visual) navigator API key; Tier 2 escalation is disabled if unset")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall command timeout")

	rootCmd.AddCommand(runCmd, serveCmd)
}

// runtime bundles every long-lived dependency one CLI invocation needs,
// built once and torn down by its caller's defer.
type runtime struct {
	orch         *orchestrator.Orchestrator
	browserClose func()
}

// buildRuntime wires the pool, navigator tiers, loop, and decomposer from
// config plus the root command's flags, and starts the orchestrator.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	browser, err := rodclient.LaunchBrowser(rodclient.Config{
		DebuggerURL:    debuggerURL,
		Headless:       headless,
		ViewportWidth:  1366,
		ViewportHeight: 900,
	})
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	factory := func(ctx context.Context) (sessionclient.Client, error) {
		return rodclient.New(ctx, browser, "", rodclient.DefaultConfig())
	}

	usage := navigator.NewUsageTracker()

	resolvedAPIKey := apiKey
	if resolvedAPIKey == "" {
		resolvedAPIKey = cfg.Navigator.APIKey
	}
	if resolvedAPIKey == "" {
		return nil, fmt.Errorf("a Tier 1 navigator API key is required (--api-key or NAVIGATOR_API_KEY)")
	}
	tier1Cfg := tier1.DefaultConfig(resolvedAPIKey, cfg.Navigator.Tier1Model)
	tier1Adapter := tier1.New(tier1Cfg, logger, func(in, out int) {
		usage.Record("tier1", cfg.Navigator.Tier1Model, in, out)
	})

	var tier2Nav navigator.Navigator
	if tier2Key != "" {
		tier2Adapter, err := tier2.New(ctx, tier2Key, cfg.Navigator.Tier2Model, logger, func(in, out int) {
			usage.Record("tier2", cfg.Navigator.Tier2Model, in, out)
		})
		if err != nil {
			return nil, fmt.Errorf("build tier2 navigator: %w", err)
		}
		tier2Nav = tier2Adapter
	}

	lp := loop.New(cfg.Loop, tier1Adapter, tier2Nav, logger)
	dec := decomposer.New(logger, nil)

	orch := orchestrator.New(cfg.Pool, factory, lp, dec, cfg.Scheduler, cfg.Budget, logger)
	orch.Start()

	return &runtime{
		orch:         orch,
		browserClose: func() { _ = browser.Close() },
	}, nil
}

func (r *runtime) Close(ctx context.Context) error {
	err := r.orch.Shutdown(ctx)
	r.browserClose()
	return err
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
