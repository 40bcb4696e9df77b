package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/voyagelab/apimeter/adapters/sqlite"
	"github.com/voyagelab/apimeter/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the apimeter configuration file.

Checks:
  - YAML syntax is valid
  - API names, limits and cost rates are well formed
  - Database is writable (optional)

Examples:
  apimeter validate --config apimeter.yaml
  apimeter validate --config apimeter.yaml --check-database`,
	RunE: runValidate,
}

var validateCheckDatabase bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if database is writable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("no config file given, use --config")
	}
	fmt.Printf("Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax valid\n", checkMark)

	fmt.Printf("  %s Server: %s:%d\n", checkMark, cfg.Server.Host, cfg.Server.Port)

	apis := make([]string, 0, len(cfg.APIs))
	for api := range cfg.APIs {
		apis = append(apis, api)
	}
	sort.Strings(apis)
	for _, api := range apis {
		ac := cfg.APIs[api]
		fmt.Printf("  %s API %s: %.1f req/s, burst %.0f, %d concurrent, $%.4f/call\n",
			checkMark, api, ac.RatePerSec, ac.Burst, ac.MaxConcurrent, cfg.Cost.RatesPerCallUSD[api])
	}

	if cfg.Database.DSN == "" {
		fmt.Printf("  %s Persistence: disabled\n", checkMark)
	} else {
		fmt.Printf("  %s Persistence: %s\n", checkMark, cfg.Database.DSN)
	}

	if validateCheckDatabase {
		if cfg.Database.DSN == "" {
			fmt.Printf("  %s Database writable (no dsn configured)\n", crossMark)
		} else if err := checkDatabaseWritable(cfg.Database.DSN); err != nil {
			fmt.Printf("  %s Database writable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Database writable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkDatabaseWritable(dsn string) error {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate()
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
