// Package config resolves runtime settings. Later sources win: built-in
// defaults, then an optional YAML file, then the environment (including a
// .env file), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config carries every knob of a call. The struct tags are read by
// github.com/jessevdk/go-flags and gopkg.in/yaml.v3.
type Config struct {
	ConfigPath string `short:"f" long:"config" description:"YAML config file" yaml:"-"`

	DeepgramAPIKey string `long:"deepgram-api-key" env:"DEEPGRAM_API_KEY" description:"Deepgram key for transcription and speech" yaml:"deepgram_api_key"`
	OpenAIAPIKey   string `long:"openai-api-key" env:"OPENAI_API_KEY" description:"OpenAI key for replies and summaries" yaml:"openai_api_key"`
	OpenAIBaseURL  string `long:"openai-base-url" env:"OPENAI_BASE_URL" description:"Override the OpenAI API endpoint" yaml:"openai_base_url"`

	Model       string  `long:"model" env:"RECEPTIONIST_MODEL" description:"Chat model" yaml:"model"`
	Temperature float32 `long:"temperature" description:"Sampling temperature for replies" yaml:"temperature"`
	MaxTokens   int     `long:"max-tokens" description:"Reply token limit" yaml:"max_tokens"`
	MaxRounds   int     `long:"max-rounds" description:"Tool rounds per caller turn" yaml:"max_rounds"`
	AgentName   string  `long:"agent-name" env:"RECEPTIONIST_AGENT_NAME" description:"Name the agent introduces itself with" yaml:"agent_name"`

	STTModel   string `long:"stt-model" description:"Deepgram transcription model" yaml:"stt_model"`
	Language   string `long:"language" description:"Transcription language" yaml:"language"`
	Voice      string `long:"voice" env:"RECEPTIONIST_VOICE" description:"Deepgram voice model" yaml:"voice"`
	SampleRate int    `long:"sample-rate" description:"PCM sample rate in Hz" yaml:"sample_rate"`

	Silence        time.Duration `long:"silence" description:"Silence that closes a caller utterance" yaml:"silence"`
	EndTimeout     time.Duration `long:"end-timeout" description:"Idle time before the call is ended" yaml:"end_timeout"`
	GoodbyeTimeout time.Duration `long:"goodbye-timeout" description:"Longest wait for the goodbye to finish" yaml:"goodbye_timeout"`
	ReadyTimeout   time.Duration `long:"ready-timeout" description:"Longest wait for the greeting to finish" yaml:"ready_timeout"`
	LLMTimeout     time.Duration `long:"llm-timeout" description:"Deadline for one caller turn" yaml:"llm_timeout"`

	DataDir    string `long:"data-dir" env:"RECEPTIONIST_DATA_DIR" description:"Directory for appointments and call logs" yaml:"data_dir"`
	RecordPath string `long:"record" description:"Write raw microphone audio to this file" yaml:"record"`
	Addr       string `long:"addr" env:"RECEPTIONIST_ADDR" description:"Listen address of the call page" yaml:"addr"`
	AutoStart  bool   `long:"auto-start" description:"Start the call without waiting for the page" yaml:"auto_start"`
	LogLevel   string `long:"log-level" env:"LOG_LEVEL" description:"debug, info, warn or error" yaml:"log_level"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Model:          "gpt-4o-mini",
		Temperature:    0.5,
		MaxTokens:      100,
		MaxRounds:      5,
		AgentName:      "Kavita",
		STTModel:       "nova-2-general",
		Language:       "en-US",
		Voice:          "aura-asteria-en",
		SampleRate:     16000,
		Silence:        2 * time.Second,
		EndTimeout:     45 * time.Second,
		GoodbyeTimeout: 15 * time.Second,
		ReadyTimeout:   15 * time.Second,
		LLMTimeout:     20 * time.Second,
		DataDir:        "data",
		Addr:           ":8000",
		LogLevel:       "info",
	}
}

// Load resolves the configuration for args (without the program name) and
// returns the arguments left after flag parsing. envFiles default to ".env";
// a missing file is not an error.
func Load(args []string, envFiles ...string) (Config, []string, error) {
	cfg := Default()
	if path := configPath(args); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return cfg, nil, err
		}
	}
	if err := loadEnv(envFiles...); err != nil {
		return cfg, nil, err
	}

	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, rest, cfg.Validate()
}

// IsHelp reports whether err is the request to print usage.
func IsHelp(err error) bool {
	var ferr *flags.Error
	return errors.As(err, &ferr) && ferr.Type == flags.ErrHelp
}

func (c *Config) loadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.ConfigPath = path
	return nil
}

func loadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// configPath finds -f/--config before the full parse so the file can be
// applied underneath the environment and flags.
func configPath(args []string) string {
	for i, a := range args {
		switch {
		case a == "--":
			return ""
		case a == "-f" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}

func (c Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"silence":         c.Silence,
		"end-timeout":     c.EndTimeout,
		"goodbye-timeout": c.GoodbyeTimeout,
		"ready-timeout":   c.ReadyTimeout,
		"llm-timeout":     c.LLMTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("max-rounds must be at least 1, got %d", c.MaxRounds))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample-rate must be positive, got %d", c.SampleRate))
	}
	return errors.Join(errs...)
}

// RequireKeys reports the API keys a live call cannot run without.
func (c Config) RequireKeys() error {
	var missing []string
	if c.DeepgramAPIKey == "" {
		missing = append(missing, "DEEPGRAM_API_KEY")
	}
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s must be set in the environment or .env", strings.Join(missing, " and "))
	}
	return nil
}
