package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "docgen"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage docgen configuration.

Running bare 'docgen config' is the same as 'docgen config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# docgen configuration
# See: docgen config show (for effective values and sources)

# State directory for the service state file and logs (default: ~/.config/docgen)
# state_dir: {{ .StateDir }}

# Document kind used when --kind is not given
kind: "{{ .Kind }}"

# Extra document kinds, as a YAML file with a top-level "kinds" list
# kinds_file: ""

# Generation service the CLI talks to
api:
  base_url: "{{ .APIBaseURL }}"
  # Bearer token sent with every request
  # token: ""

# Status polling
poll:
  interval: "{{ .PollInterval }}"
  # Give up after this many checks
  max_attempts: {{ .PollMaxAttempts }}
  # Optional wall-clock limit, 0s for none
  max_wait: "{{ .PollMaxWait }}"

# Local version ledger: sqlite, memory or redis
ledger:
  driver: "{{ .LedgerDriver }}"
  db_path: "{{ .LedgerDBPath }}"
  # Expiry for redis version lists, 0s for none
  # redis_ttl: "0s"

redis:
  addr: "{{ .RedisAddr }}"
  # password: ""
  # db: 0

# Reference generation service (docgen serve)
# db_path: {{ .DBPath }}
serve:
  port: {{ .ServePort }}
  # Require this bearer token from clients
  # token: ""
  generation_timeout: "{{ .GenerationTimeout }}"

anthropic:
  # api_key: ""  (or set ANTHROPIC_API_KEY)
  # model: ""
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	Kind              string
	APIBaseURL        string
	PollInterval      string
	PollMaxAttempts   int
	PollMaxWait       string
	LedgerDriver      string
	LedgerDBPath      string
	RedisAddr         string
	ServePort         int
	GenerationTimeout string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		Kind:              viper.GetString("kind"),
		APIBaseURL:        viper.GetString("api.base_url"),
		PollInterval:      viper.GetDuration("poll.interval").String(),
		PollMaxAttempts:   viper.GetInt("poll.max_attempts"),
		PollMaxWait:       viper.GetDuration("poll.max_wait").String(),
		LedgerDriver:      viper.GetString("ledger.driver"),
		LedgerDBPath:      viper.GetString("ledger.db_path"),
		RedisAddr:         viper.GetString("redis.addr"),
		ServePort:         viper.GetInt("serve.port"),
		GenerationTimeout: viper.GetDuration("serve.generation_timeout").String(),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "DOCGEN_STATE_DIR"},
	{Key: "db_path", EnvVar: "DOCGEN_DB_PATH"},
	{Key: "kind", EnvVar: "DOCGEN_KIND"},
	{Key: "kinds_file", EnvVar: "DOCGEN_KINDS_FILE"},
	{Key: "api.base_url", EnvVar: "DOCGEN_API_BASE_URL"},
	{Key: "api.token", EnvVar: "DOCGEN_API_TOKEN"},
	{Key: "poll.interval", EnvVar: "DOCGEN_POLL_INTERVAL"},
	{Key: "poll.max_attempts", EnvVar: "DOCGEN_POLL_MAX_ATTEMPTS"},
	{Key: "poll.max_wait", EnvVar: "DOCGEN_POLL_MAX_WAIT"},
	{Key: "ledger.driver", EnvVar: "DOCGEN_LEDGER_DRIVER"},
	{Key: "ledger.db_path", EnvVar: "DOCGEN_LEDGER_DB_PATH"},
	{Key: "ledger.redis_ttl", EnvVar: "DOCGEN_LEDGER_REDIS_TTL"},
	{Key: "redis.addr", EnvVar: "DOCGEN_REDIS_ADDR"},
	{Key: "redis.password", EnvVar: "DOCGEN_REDIS_PASSWORD"},
	{Key: "redis.db", EnvVar: "DOCGEN_REDIS_DB"},
	{Key: "anthropic.api_key", EnvVar: "DOCGEN_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "DOCGEN_ANTHROPIC_MODEL"},
	{Key: "serve.port", EnvVar: "DOCGEN_SERVE_PORT"},
	{Key: "serve.token", EnvVar: "DOCGEN_SERVE_TOKEN"},
	{Key: "serve.generation_timeout", EnvVar: "DOCGEN_SERVE_GENERATION_TIMEOUT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if isSecret(k.Key) && val != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// isSecret reports whether a key's value should be masked in output.
func isSecret(key string) bool {
	return strings.HasSuffix(key, "token") || strings.HasSuffix(key, "api_key") || strings.HasSuffix(key, "password")
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set: set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'docgen config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
