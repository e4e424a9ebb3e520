package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// FileConfig represents the loom configuration file
// (~/.config/loom/config.yaml). All optional fields are pointers so
// "not set" is distinguishable from a zero value; an explicit CLI flag
// always wins over the file.
type FileConfig struct {
	Model  string `yaml:"model"`
	Draft  string `yaml:"draft"`
	Device string `yaml:"device"`

	// Sampling defaults
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int64   `yaml:"repeat_last_n"`
	MaxNewTokens  *int64   `yaml:"max_new_tokens"`
	ContextLimit  *int64   `yaml:"context_limit"`
	Seed          *int64   `yaml:"seed"`
	Lookahead     *int64   `yaml:"lookahead"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	RunLog        string `yaml:"runlog"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "loom", "config.yaml")
}

// loadFileConfig reads the config file. Returns a zero FileConfig if the
// file does not exist or cannot be parsed.
func loadFileConfig() FileConfig {
	path := configPath()
	if path == "" {
		return FileConfig{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}
	}
	return cfg
}

// applyModelConfig fills the shared model flags from the config file when
// the corresponding flag was not set on the command line.
func applyModelConfig(c *cli.Command, cfg FileConfig) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelName = cfg.Model
	}
	if cfg.Draft != "" && !c.IsSet("draft") {
		draftName = cfg.Draft
	}
	if cfg.Device != "" && !c.IsSet("device") {
		device = cfg.Device
	}
	if cfg.ContextLimit != nil && !c.IsSet("context-limit") {
		contextLimit = *cfg.ContextLimit
	}
}

// applySamplingConfig fills sampling flag variables from the config file.
func applySamplingConfig(c *cli.Command, cfg FileConfig,
	temp *float64, topK *int64, topP *float64, repeatPenalty *float64,
	repeatLastN *int64, maxNewTokens *int64, seed *int64,
) {
	if cfg.Temperature != nil && !c.IsSet("temp") && !c.IsSet("temperature") && !c.IsSet("t") {
		*temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") && !c.IsSet("top_k") {
		*topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") && !c.IsSet("top_p") {
		*topP = *cfg.TopP
	}
	if cfg.RepeatPenalty != nil && !c.IsSet("repeat-penalty") {
		*repeatPenalty = *cfg.RepeatPenalty
	}
	if cfg.RepeatLastN != nil && !c.IsSet("repeat-last-n") {
		*repeatLastN = *cfg.RepeatLastN
	}
	if cfg.MaxNewTokens != nil && !c.IsSet("max-new-tokens") && !c.IsSet("steps") && !c.IsSet("n") {
		*maxNewTokens = *cfg.MaxNewTokens
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

const configTemplate = `# loom configuration. Explicit CLI flags always win over this file.

# model: loom-demo
# draft: loom-demo-small
# device: auto

# Sampling defaults
# temperature: 0.2
# top_k: 40
# top_p: 0.9
# repeat_penalty: 1.1
# repeat_last_n: 32
# max_new_tokens: 512
# context_limit: 2048
# seed: -1
# lookahead: 5

# Output
# stream_mode: instant
# log_level: info
# log_format: pretty

# Server
# server_address: 127.0.0.1:8080
# runlog: ~/.local/share/loom/runs.db
`

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the loom configuration file",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a commented config template",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := configPath()
					if path == "" {
						return cli.Exit("error: cannot resolve user config directory", 1)
					}
					if _, err := os.Stat(path); err == nil {
						return cli.Exit(fmt.Sprintf("error: %s already exists", path), 1)
					}
					if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
						return cli.Exit(fmt.Sprintf("error: create config dir: %v", err), 1)
					}
					if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
						return cli.Exit(fmt.Sprintf("error: write config: %v", err), 1)
					}
					fmt.Printf("wrote %s\n", path)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the active configuration file",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := configPath()
					data, err := os.ReadFile(path)
					if err != nil {
						if os.IsNotExist(err) {
							fmt.Printf("no config file at %s (run `loom config init`)\n", path)
							return nil
						}
						return cli.Exit(fmt.Sprintf("error: read config: %v", err), 1)
					}
					fmt.Printf("# %s\n%s", path, data)
					return nil
				},
			},
		},
	}
}
