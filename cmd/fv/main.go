// Command fv is the fieldvault CLI: a versioned field-level data capture
// store over an embedded Dolt database or a MySQL-compatible sql-server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldvault/fieldvault/internal/capture"
	"github.com/fieldvault/fieldvault/internal/config"
	"github.com/fieldvault/fieldvault/internal/storage"
	"github.com/fieldvault/fieldvault/internal/storage/dolt"
	"github.com/fieldvault/fieldvault/internal/telemetry"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.1.0"
	Build   = "dev"
)

var (
	dataDir     string
	appName     string
	actorFlag   string
	serverFlag  bool
	serverHost  string
	serverPort  int
	serverUser  string
	jsonOutput  bool
	verboseFlag bool

	log      = logrus.New()
	localCfg *config.LocalConfig
	store    storage.Storage
	svc      *capture.Service
)

// defaultDataDir is where fv keeps its embedded database and config.yaml.
const defaultDataDir = ".fieldvault"

var rootCmd = &cobra.Command{
	Use:   "fv",
	Short: "Versioned field-level data capture",
	Long: `fv captures field values against business-key contexts with a full,
gap-free version history per field. Every save supersedes the previous
value and appends an immutable version record.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipsStore(cmd) {
			return nil
		}
		if err := telemetry.Init(cmd.Context(), "fv", Version); err != nil {
			log.WithError(err).Warn("telemetry init failed")
		}
		return openStore(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			if err := store.Close(); err != nil {
				log.WithError(err).Warn("failed to close store")
			}
			store = nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

// skipsStore reports whether the command runs without an open database.
func skipsStore(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "help", "completion", "init":
		return true
	}
	return false
}

// resolveDataDir returns the data directory in flag > env > default order.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if env := os.Getenv("FV_DATA_DIR"); env != "" {
		return env
	}
	return defaultDataDir
}

// openStore opens the configured backend and builds the capture service.
func openStore(ctx context.Context) error {
	dir := resolveDataDir()
	localCfg = config.LoadLocalConfigWithEnv(dir)

	if appName == "" {
		appName = localCfg.Application
	}
	if appName == "" {
		appName = viper.GetString("app")
	}

	cfg := &dolt.Config{
		Path:        filepath.Join(dir, "dolt"),
		Database:    localCfg.Database,
		OpenTimeout: 5 * time.Second,
	}
	if serverFlag || localCfg.Server {
		cfg.ServerMode = true
		cfg.ServerHost = firstNonEmpty(serverHost, localCfg.ServerHost)
		cfg.ServerPort = serverPort
		if cfg.ServerPort == 0 {
			cfg.ServerPort = localCfg.ServerPort
		}
		cfg.ServerUser = firstNonEmpty(serverUser, localCfg.ServerUser)
		cfg.ServerPassword = os.Getenv("FV_DB_PASSWORD")
		cfg.ServerTLS = localCfg.ServerTLS
	}

	doltStore, err := dolt.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store = telemetry.WrapStorage(doltStore)

	svc = capture.NewService(store, &capture.Options{
		Logger:       log,
		DefaultActor: localCfg.ResolveActor(actorFlag),
	})
	return nil
}

// requireApp fails fast when no application namespace is configured.
func requireApp() error {
	if appName == "" {
		return fmt.Errorf("no application set: pass --app, set FV_APP, or configure it with 'fv init --app NAME'")
	}
	return nil
}

// outputJSON prints v as indented JSON on stdout.
func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

// parseKeyValues parses repeated key=value flags into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid pair %q: want key=value", pair)
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		out[key] = value
	}
	return out, nil
}

// parseValue interprets a flag value: valid JSON scalars become numbers,
// booleans, or strings; anything else stays a raw string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		switch v.(type) {
		case float64, bool, string:
			return v
		}
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)

	rootCmd.PersistentFlags().StringVar(&dataDir, "db", "", "Data directory (default: $FV_DATA_DIR or ./"+defaultDataDir+")")
	rootCmd.PersistentFlags().StringVar(&appName, "app", "", "Application namespace (default: config.yaml or $FV_APP)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "Actor attributed to writes (default: config.yaml, $FV_ACTOR, $USER)")
	rootCmd.PersistentFlags().BoolVar(&serverFlag, "server", false, "Connect to a sql-server instead of the embedded engine")
	rootCmd.PersistentFlags().StringVar(&serverHost, "server-host", "", "sql-server host (default: 127.0.0.1)")
	rootCmd.PersistentFlags().IntVar(&serverPort, "server-port", 0, "sql-server port (default: 3306)")
	rootCmd.PersistentFlags().StringVar(&serverUser, "server-user", "", "sql-server user (default: root)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")

	_ = viper.BindPFlag("app", rootCmd.PersistentFlags().Lookup("app"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	viper.SetEnvPrefix("FV")
	viper.AutomaticEnv()

	cobra.OnInitialize(func() {
		if verboseFlag {
			log.SetLevel(logrus.DebugLevel)
		}
	})

	rootCmd.AddCommand(initCmd, defineCmd, saveCmd, getCmd, historyCmd, fieldsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
