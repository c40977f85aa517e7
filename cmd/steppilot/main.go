package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/v0xg/steppilot/internal/agent"
	"github.com/v0xg/steppilot/internal/cache"
	"github.com/v0xg/steppilot/internal/config"
	"github.com/v0xg/steppilot/internal/observability"
	"github.com/v0xg/steppilot/internal/suite"
)

var (
	configPath  string
	verbose     bool
	username    string
	password    string
	hint        string
	maxAttempts int
	pageURL     string
	limit       int
)

// errIncomplete signals a finished run that did not pass every step.
var errIncomplete = errors.New("not all steps passed")

func main() {
	// Load .env file if present (silently ignore if not found)
	_ = godotenv.Load()

	v := viper.New()
	rootCmd := newRootCmd(v)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	observability.Sync()
	if err != nil {
		if !errors.Is(err, errIncomplete) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "steppilot",
		Short: "Drive browser tests from plain-language steps",
		Long: `steppilot turns an ordered list of plain-language steps into browser actions.
Each step is generated by an AI provider, executed in a restricted sandbox and,
once it works, cached so later runs replay it without asking the provider again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default: ./steppilot.yaml if present)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	pf.String("provider", "", "AI provider: claude, openai, openrouter, gemini, ollama")
	pf.String("model", "", "Specific model override")
	pf.String("dialect", "", "Script dialect: actions or go")
	pf.String("cache", "", "Step cache driver: sqlite, postgres, memory")
	pf.String("cache-path", "", "SQLite cache file")
	pf.String("matcher", "", "Cache goal matching: exact or normalized")
	pf.Bool("headless", true, "Run the browser headless")
	pf.String("profile", "", "Chrome/Chromium profile directory for authenticated sessions (close browser first)")
	pf.String("audit-dir", "", "Directory for per-attempt screenshots")
	pf.Bool("gif", false, "Also write run.gif for each run")

	for key, flag := range map[string]string{
		"generator.provider":  "provider",
		"generator.model":     "model",
		"generator.dialect":   "dialect",
		"cache.driver":        "cache",
		"cache.path":          "cache-path",
		"cache.matcher":       "matcher",
		"browser.headless":    "headless",
		"browser.profile_dir": "profile",
		"audit.dir":           "audit-dir",
		"audit.gif":           "gif",
	} {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}

	rootCmd.AddCommand(newRunCmd(v), newSuiteCmd(v), newCacheCmd(v))
	return rootCmd
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <url> <step>...",
		Short: "Run one plan against a site",
		Example: `  steppilot run https://www.saucedemo.com/ "Log in" "Add Sauce Labs Backpack to cart" \
    --username standard_user --password secret_sauce`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			req := agent.RunRequest{
				StartURL:    args[0],
				Steps:       args[1:],
				Username:    username,
				Password:    password,
				Hint:        hint,
				MaxAttempts: maxAttempts,
			}
			fmt.Printf("→ Running %d steps on %s via %s...\n", len(req.Steps), req.StartURL, a.cfg.Generator.Provider)
			report, err := a.controller.Run(cmd.Context(), req)
			if report != nil {
				fmt.Print(report.String())
			}
			if err != nil {
				return err
			}
			if !report.Complete() {
				return errIncomplete
			}
			fmt.Println("✓ All steps passed")
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Username handed to the generator")
	cmd.Flags().StringVar(&password, "password", "", "Password handed to the generator")
	cmd.Flags().StringVar(&hint, "hint", "", "Free-form hint for the generator")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempt budget (default: agent.max_attempts)")
	return cmd
}

func newSuiteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "suite <file.yaml>",
		Short: "Run every plan in a suite file concurrently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := suite.Load(args[0])
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Printf("→ Running %d plans (concurrency %d)...\n", len(f.Runs), a.cfg.Agent.Concurrency)
			results := suite.Run(cmd.Context(), a.controller, f, a.cfg.Agent.Concurrency, a.logger)
			for _, r := range results {
				if r.Report != nil {
					fmt.Printf("\n%s:\n%s", r.Name, r.Report.String())
				}
			}
			fmt.Print("\n" + suite.Summary(results))

			for _, r := range results {
				if !r.Passed() {
					return errIncomplete
				}
			}
			return nil
		},
	}
}

func newCacheCmd(v *viper.Viper) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the step cache",
	}
	recentCmd := &cobra.Command{
		Use:   "recent <domain>",
		Short: "List the newest cached steps for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			observability.InitializeLogger(cfg.Logger)
			store, err := cache.Open(cmd.Context(), cfg.Cache, observability.GetLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(cmd.Context(), args[0], pageURL, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}
	recentCmd.Flags().StringVar(&pageURL, "page", "", "Only records for this exact page URL")
	recentCmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of records")
	cacheCmd.AddCommand(recentCmd)
	return cacheCmd
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logger.Level = "debug"
	}
	return cfg, nil
}
