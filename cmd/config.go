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

	"github.com/joescharf/gauntlet/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage gauntlet configuration.

Running bare 'gauntlet config' is the same as 'gauntlet config show'.`,
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
const configTemplate = `# gauntlet configuration
# See: gauntlet config show (for effective values and sources)

# State/data directory (default: ~/.config/gauntlet)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/gauntlet/gauntlet.db)
# db_path: {{ .DBPath }}

# Optional YAML file overriding built-in stage plans per job type
# plan_file: ""

log:
  level: "{{ .Log.Level }}"   # debug, info, warn, error
  format: "{{ .Log.Format }}"  # text or json

server:
  port: {{ .Server.Port }}
  # Externally reachable URL used in notification links
  # base_url: "https://gauntlet.example.com"
  # Per-client requests per second on /api/v1 (0 disables)
  rate_limit: {{ .Server.RateLimit }}
  rate_burst: {{ .Server.RateBurst }}

coordinator:
  # Jobs running at once (0 = unbounded); the rest wait by priority
  max_concurrent_jobs: {{ .Coordinator.MaxConcurrentJobs }}
  # Stages of one parallel group running at once
  parallel_pool: {{ .Coordinator.ParallelPool }}
  stage_timeout: {{ .Coordinator.StageTimeout }}
  max_attempts: {{ .Coordinator.MaxAttempts }}
  notify_timeout: {{ .Coordinator.NotifyTimeout }}

# Scores at or above auto_approve pass; below hard_reject are rejected
thresholds:
  auto_approve: {{ .Thresholds.AutoApprove }}
  hard_reject: {{ .Thresholds.HardReject }}

escalation:
  target: "{{ .Escalation.Target }}"
  manager_target: "{{ .Escalation.ManagerTarget }}"
  max_response_time: {{ .Escalation.MaxResponseTime }}
  keywords: [{{ join .Escalation.Keywords }}]

# Model-backed review stages are enabled when an API key is set
anthropic:
  api_key: ""
  model: "{{ .Anthropic.Model }}"

notify:
  # webhook_urls: ["https://hooks.example.com/gauntlet"]
  # nats_url: "nats://localhost:4222"
  nats_subject: "{{ .Notify.NATSSubject }}"
  # Restrict sent events, e.g. ["job.escalated", "job.failed"] (empty = all)
  # events: []

cache:
  max_entries: {{ .Cache.MaxEntries }}
  ttl: {{ .Cache.TTL }}
`

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func renderConfigTemplate(cfg config.Config) ([]byte, error) {
	funcs := template.FuncMap{
		"join": func(items []string) string {
			quoted := make([]string, len(items))
			for i, s := range items {
				quoted[i] = fmt.Sprintf("%q", s)
			}
			return strings.Join(quoted, ", ")
		},
	}
	tmpl, err := template.New("config").Funcs(funcs).Parse(configTemplate)
	if err != nil {
		return nil, fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("template execute error: %w", err)
	}
	return buf.Bytes(), nil
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

	data, err := renderConfigTemplate(loadConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, string(data))
	return nil
}

// configKeys lists the keys shown by config show, in display order.
var configKeys = []string{
	"state_dir",
	"db_path",
	"plan_file",
	"log.level",
	"log.format",
	"server.port",
	"server.base_url",
	"server.rate_limit",
	"coordinator.max_concurrent_jobs",
	"coordinator.parallel_pool",
	"coordinator.stage_timeout",
	"coordinator.max_attempts",
	"thresholds.auto_approve",
	"thresholds.hard_reject",
	"escalation.target",
	"escalation.max_response_time",
	"anthropic.api_key",
	"anthropic.model",
	"notify.webhook_urls",
	"notify.nats_url",
	"notify.events",
	"cache.max_entries",
	"cache.ttl",
}

// envVarFor returns the environment variable bound to key.
func envVarFor(key string) string {
	return "GAUNTLET_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		cfgPath = used
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	for _, key := range configKeys {
		val := viper.Get(key)
		if key == "anthropic.api_key" && viper.GetString(key) != "" {
			val = "********"
		}
		source := detectSource(key, envVarFor(key), fileValues)
		fmt.Fprintf(ui.Out, "  %-32s %v  %s\n", key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path) //nolint:gosec // user's own config file
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
		return fmt.Errorf("$EDITOR is not set, e.g. export EDITOR=vim")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'gauntlet config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath) //nolint:gosec // editor chosen by the user
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
