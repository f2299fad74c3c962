package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/docgen/internal/backend"
	"github.com/joescharf/docgen/internal/kinds"
	"github.com/joescharf/docgen/internal/ledger"
	"github.com/joescharf/docgen/internal/models"
	"github.com/joescharf/docgen/internal/orchestrator"
	"github.com/joescharf/docgen/internal/output"
	"github.com/joescharf/docgen/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	ledgerDB  store.Store
	ledgerRDB *redis.Client
	kindReg   *kinds.Registry

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "docgen",
	Short: "Generate and refine documents through an AI generation service",
	Long: `docgen drives document sessions against a generation service.
It starts generations, refines results through chat, keeps a local
version ledger and shows what changed between versions.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	if cerr := closeDeps(); cerr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// closeDeps releases the stores and clients opened by the command.
func closeDeps() error {
	var errs []error
	if dataStore != nil {
		errs = append(errs, dataStore.Close())
	}
	if ledgerDB != nil {
		errs = append(errs, ledgerDB.Close())
	}
	if ledgerRDB != nil {
		errs = append(errs, ledgerRDB.Close())
	}
	dataStore, ledgerDB, ledgerRDB = nil, nil, nil
	return errors.Join(errs...)
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/docgen/config.yaml)")
	rootCmd.PersistentFlags().StringP("kind", "k", "", "Document kind (default from config)")
	_ = viper.BindPFlag("kind", rootCmd.PersistentFlags().Lookup("kind"))
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(filepath.Join(home, ".config", "docgen"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DOCGEN")
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	setDefaults(filepath.Join(home, ".config", "docgen"))

	_ = viper.ReadInConfig()
}

// setDefaults registers the default for every config key.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "serve.db"))
	viper.SetDefault("api.base_url", "http://localhost:8420")
	viper.SetDefault("api.token", "")
	viper.SetDefault("kind", "functional_spec")
	viper.SetDefault("kinds_file", "")
	viper.SetDefault("poll.interval", "3s")
	viper.SetDefault("poll.max_attempts", 200)
	viper.SetDefault("poll.max_wait", "0s")
	viper.SetDefault("ledger.driver", string(ledger.DriverSQLite))
	viper.SetDefault("ledger.db_path", filepath.Join(stateDir, "ledger.db"))
	viper.SetDefault("ledger.redis_ttl", "0s")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "")
	viper.SetDefault("serve.port", 8420)
	viper.SetDefault("serve.token", "")
	viper.SetDefault("serve.generation_timeout", "5m")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Stores are opened lazily so config/version commands run without a db.
}

// openSQLite opens and migrates a SQLite store at path.
func openSQLite(ctx context.Context, path string) (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// getStore returns the reference service store, opening it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}
	s, err := openSQLite(context.Background(), viper.GetString("db_path"))
	if err != nil {
		return nil, err
	}
	dataStore = s
	return dataStore, nil
}

// getLedger builds the local version ledger from the configured driver.
func getLedger() (*ledger.Ledger, error) {
	driver := ledger.Driver(viper.GetString("ledger.driver"))
	var opts []ledger.StoreOption

	switch driver {
	case ledger.DriverSQLite:
		if ledgerDB == nil {
			s, err := openSQLite(context.Background(), viper.GetString("ledger.db_path"))
			if err != nil {
				return nil, err
			}
			ledgerDB = s
		}
		opts = append(opts, ledger.WithSQLStore(ledgerDB))
	case ledger.DriverRedis:
		if ledgerRDB == nil {
			ledgerRDB = redis.NewClient(&redis.Options{
				Addr:     viper.GetString("redis.addr"),
				Password: viper.GetString("redis.password"),
				DB:       viper.GetInt("redis.db"),
			})
		}
		opts = append(opts,
			ledger.WithRedisClient(ledgerRDB),
			ledger.WithRedisTTL(viper.GetDuration("ledger.redis_ttl")),
		)
	}

	s, err := ledger.NewStore(driver, opts...)
	if err != nil {
		return nil, fmt.Errorf("ledger driver %q: %w", driver, err)
	}
	return ledger.New(s), nil
}

// getKinds returns the kind registry, loading kinds_file when configured.
func getKinds() (*kinds.Registry, error) {
	if kindReg != nil {
		return kindReg, nil
	}
	reg := kinds.NewRegistry()
	if path := viper.GetString("kinds_file"); path != "" {
		if err := reg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	kindReg = reg
	return kindReg, nil
}

// resolveKind returns the kind named by --kind or the config default.
func resolveKind() (models.DocumentKind, error) {
	reg, err := getKinds()
	if err != nil {
		return models.DocumentKind{}, err
	}
	return reg.Get(viper.GetString("kind"))
}

// newOrchestrator wires an orchestrator for k against the configured service.
func newOrchestrator(k models.DocumentKind, opts ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	l, err := getLedger()
	if err != nil {
		return nil, err
	}
	client := backend.NewHTTPClient(viper.GetString("api.base_url"), k,
		backend.WithToken(viper.GetString("api.token")))

	base := []orchestrator.Option{
		orchestrator.WithInterval(viper.GetDuration("poll.interval")),
		orchestrator.WithMaxPolls(viper.GetInt("poll.max_attempts")),
		orchestrator.WithLogger(slog.Default()),
	}
	if d := viper.GetDuration("poll.max_wait"); d > 0 {
		base = append(base, orchestrator.WithMaxWait(d))
	}
	return orchestrator.New(k, client, l, append(base, opts...)...), nil
}

// cliOrchestrator returns an orchestrator for the selected kind that reports
// events through the UI.
func cliOrchestrator() (*orchestrator.Orchestrator, error) {
	k, err := resolveKind()
	if err != nil {
		return nil, err
	}
	return newOrchestrator(k, orchestrator.WithNotifier(orchestrator.NotifierFunc(ui.Notify)))
}

// waitTimeout bounds blocking commands; zero means wait until done.
func waitTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if d, _ := cmd.Flags().GetDuration("timeout"); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
