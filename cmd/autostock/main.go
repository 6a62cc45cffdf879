// Command autostock is a multi-agent AI financial report generator.
//
// It wires the cobra commands to the report pipeline and the web server.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/seenimoa/autostock/api"
	"github.com/seenimoa/autostock/internal/config"
	"github.com/seenimoa/autostock/internal/llm"
	"github.com/seenimoa/autostock/internal/logging"
	"github.com/seenimoa/autostock/internal/store"
	"github.com/seenimoa/autostock/internal/workflow"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config and logger, set by the root command.
var (
	cfg    *config.Config
	logger *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autostock",
	Short: "AutoStock — AI financial reports from a team of agents",
	Long: `AutoStock
A team of LLM agents gathers market data and news for a set of stock
symbols, writes a financial report, has it reviewed, and saves it as
Markdown with a normalized price chart.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Logging.Level = lvl
		}
		logger, err = logging.New(cfg.Logging)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("AutoStock %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Shared wiring ---

// requireValidConfig guards the commands that talk to an LLM. status and
// version work with an incomplete config.
func requireValidConfig(cmd *cobra.Command, args []string) error {
	return cfg.Validate()
}

// newProvider builds the LLM router and wraps it with the response cache.
// The returned close func releases the cache.
func newProvider(ctx context.Context) (llm.LLMProvider, func(), error) {
	router, err := llm.NewRouterFromConfig(cfg, logger.Named("llm"))
	if err != nil {
		return nil, nil, err
	}
	cache, err := llm.NewCacheFromConfig(ctx, cfg.Cache)
	if err != nil {
		return nil, nil, err
	}
	closeCache := func() {
		if cache != nil {
			if err := cache.Close(); err != nil {
				logger.Warn("closing llm cache", zap.Error(err))
			}
		}
	}
	return llm.NewCachedProvider(router, cache, cfg.Cache.Seed, logger.Named("cache")), closeCache, nil
}

func newPipeline(provider llm.LLMProvider) *workflow.Pipeline {
	return workflow.New(cfg, provider, workflow.WithLogger(logger.Named("workflow")))
}

// --- Serve Command (API Server) ---

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the web UI and HTTP API server",
	PreRunE: requireValidConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		provider, closeCache, err := newProvider(ctx)
		if err != nil {
			return err
		}
		defer closeCache()

		st, err := store.NewFromConfig(cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()

		srv := api.NewServer(cfg, newPipeline(provider), st, logger.Named("api"))
		if noUI, _ := cmd.Flags().GetBool("no-ui"); noUI {
			srv.SetServeUI(false)
		}

		addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
		fmt.Printf("🌐 AutoStock listening on http://%s\n", addr)
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().Bool("no-ui", false, "serve the API only, without the start page")
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		}

		fmt.Println(rule)
		fmt.Println(titleStyle.Render("  AutoStock — System Status"))
		fmt.Println(rule)
		fmt.Printf("  Version:       %s (%s)\n", version, commit)
		fmt.Println()

		// Config summary
		fmt.Println("  Configuration:")
		fmt.Printf("    LLM Provider:  %s (model: %s, api: %s)\n", cfg.LLM.Primary, cfg.LLM.Model, cfg.LLM.APIType)
		fmt.Printf("    Cache:         %s (seed %d)\n", cfg.Cache.Backend, cfg.Cache.Seed)
		fmt.Printf("    Work Dir:      %s\n", cfg.Executor.WorkDir)
		fmt.Printf("    Run Store:     %s (%s)\n", cfg.Store.Driver, cfg.Store.Path)
		fmt.Printf("    API Server:    %s:%d\n", cfg.API.Host, cfg.API.Port)
		fmt.Println()

		// API keys status
		fmt.Println("  API Keys:")
		for _, k := range config.CheckAPIKeys(cfg) {
			status := failStyle.Render("❌ not set")
			if k.IsSet {
				status = okStyle.Render(fmt.Sprintf("✅ set (%s: %s)", k.Source, k.Masked))
			}
			fmt.Printf("    %-25s %s\n", k.Name+":", status)
		}

		if ping, _ := cmd.Flags().GetBool("ping"); ping {
			fmt.Println()
			fmt.Println("  Providers:")
			router, err := llm.NewRouterFromConfig(cfg, logger.Named("llm"))
			if err != nil {
				fmt.Printf("    %s\n", failStyle.Render("❌ "+err.Error()))
			} else {
				health := router.HealthCheck(cmd.Context())
				names := make([]string, 0, len(health))
				for n := range health {
					names = append(names, n)
				}
				sort.Strings(names)
				for _, n := range names {
					status := okStyle.Render("✅ reachable")
					if err := health[n]; err != nil {
						status = failStyle.Render("❌ " + err.Error())
					}
					fmt.Printf("    %-25s %s\n", n+":", status)
				}
			}
		}

		fmt.Println(rule)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("yaml", false, "print the effective configuration as YAML (secrets masked)")
	statusCmd.Flags().Bool("ping", false, "check that each configured LLM provider is reachable")
}
