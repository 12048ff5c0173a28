package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/billgraziano/dpapi"
	cp "github.com/otiai10/copy"
	"gopkg.in/yaml.v3"
)

const (
	baseDir     = "config"
	templateDir = "config/template"

	// Secrets written by ValidateAndSave are wrapped with this prefix so Load
	// knows which values need DPAPI decryption.
	encryptedPrefix = "dpapi:"
)

var Kbot *KbotCfg

type KbotCfg struct {
	Debug struct {
		Log bool `yaml:"log"`
	} `yaml:"debug"`
	LogSaveDirectory string `yaml:"log_save_directory"`
	FirstRun         bool   `yaml:"first_run"`
	EncryptSecrets   bool   `yaml:"encrypt_secrets"`
	Game             struct {
		WindowTitle string `yaml:"window_title"`
		ProcessName string `yaml:"process_name"`
		ActiveClass string `yaml:"active_class"`
	} `yaml:"game"`
	Detection struct {
		ScanIntervalMs    int     `yaml:"scan_interval_ms"`
		TemplateThreshold float64 `yaml:"template_threshold"`
		CooldownThreshold float64 `yaml:"cooldown_threshold"`
		MinConfidence     float64 `yaml:"min_confidence"`
		DebounceStreak    int     `yaml:"debounce_streak"`
		UseMultiScale     bool    `yaml:"use_multi_scale"`
	} `yaml:"detection"`
	Execution struct {
		SettleMs            int  `yaml:"settle_ms"`
		MaxRetries          int  `yaml:"max_retries"`
		TimeoutMs           int  `yaml:"timeout_ms"`
		GlobalCooldownMs    int  `yaml:"global_cooldown_ms"`
		EnforceResourceCost bool `yaml:"enforce_resource_cost"`
	} `yaml:"execution"`
	Integration struct {
		UseVisualSystem       bool `yaml:"use_visual_system"`
		FallbackToTraditional bool `yaml:"fallback_to_traditional"`
		FailureThreshold      int  `yaml:"failure_threshold"`
		FailureWindowSec      int  `yaml:"failure_window_sec"`
	} `yaml:"integration"`
	Vitals struct {
		Enabled bool   `yaml:"enabled"`
		Region  Region `yaml:"region"`
		HPBar   Region `yaml:"hp_bar"`
		MPBar   Region `yaml:"mp_bar"`
		Target  Region `yaml:"target_bar"`
	} `yaml:"vitals"`
	Discord struct {
		Enabled                  bool     `yaml:"enabled"`
		Token                    string   `yaml:"token"`
		ChannelID                string   `yaml:"channel_id"`
		BotAdmins                []string `yaml:"bot_admins"`
		EnableSessionMessages    bool     `yaml:"enable_session_messages"`
		EnableFallbackAlerts     bool     `yaml:"enable_fallback_alerts"`
		EnableVerificationAlerts bool     `yaml:"enable_verification_alerts"`
	} `yaml:"discord"`
	Telegram struct {
		Enabled bool   `yaml:"enabled"`
		Token   string `yaml:"token"`
		ChatID  int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	Server struct {
		Port  int `yaml:"port"`
		Ngrok struct {
			Enabled   bool   `yaml:"enabled"`
			AuthToken string `yaml:"auth_token"`
		} `yaml:"ngrok"`
	} `yaml:"server"`
}

// Region is a screen rectangle in window client coordinates.
type Region struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
	W int `yaml:"w" json:"w"`
	H int `yaml:"h" json:"h"`
}

// Load reads config/kbot.yaml into the package-level Kbot config, creating it
// from the shipped template on first run.
func Load() error {
	cfgPath := filepath.Join(baseDir, "kbot.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := createFromTemplate(); err != nil {
			return fmt.Errorf("error creating initial config: %w", err)
		}
	}

	r, err := os.Open(cfgPath)
	if err != nil {
		return fmt.Errorf("error loading kbot.yaml: %w", err)
	}
	defer r.Close()

	cfg := &KbotCfg{}
	d := yaml.NewDecoder(r)
	if err = d.Decode(cfg); err != nil {
		return fmt.Errorf("error reading %s: %w", cfgPath, err)
	}

	if cfg.Discord.Token, err = decryptSecret(cfg.Discord.Token); err != nil {
		return fmt.Errorf("error decrypting discord token: %w", err)
	}
	if cfg.Telegram.Token, err = decryptSecret(cfg.Telegram.Token); err != nil {
		return fmt.Errorf("error decrypting telegram token: %w", err)
	}
	if cfg.Server.Ngrok.AuthToken, err = decryptSecret(cfg.Server.Ngrok.AuthToken); err != nil {
		return fmt.Errorf("error decrypting ngrok token: %w", err)
	}

	Kbot = cfg

	return nil
}

// ValidateAndSave sanity-checks the supplied config, persists it to
// config/kbot.yaml and makes it the active one.
func ValidateAndSave(cfg *KbotCfg) error {
	if err := validate(cfg); err != nil {
		return err
	}

	out := *cfg
	var err error
	if out.Discord.Token, err = encryptSecret(cfg, cfg.Discord.Token); err != nil {
		return fmt.Errorf("error encrypting discord token: %w", err)
	}
	if out.Telegram.Token, err = encryptSecret(cfg, cfg.Telegram.Token); err != nil {
		return fmt.Errorf("error encrypting telegram token: %w", err)
	}
	if out.Server.Ngrok.AuthToken, err = encryptSecret(cfg, cfg.Server.Ngrok.AuthToken); err != nil {
		return fmt.Errorf("error encrypting ngrok token: %w", err)
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("error marshalling config: %w", err)
	}

	if err = os.WriteFile(filepath.Join(baseDir, "kbot.yaml"), data, 0644); err != nil {
		return fmt.Errorf("error writing kbot.yaml: %w", err)
	}

	Kbot = cfg

	return nil
}

func validate(cfg *KbotCfg) error {
	if cfg.Game.WindowTitle == "" && cfg.Game.ProcessName == "" {
		return fmt.Errorf("%w: game window title or process name is required", ErrInvalidSchema)
	}
	if cfg.Detection.ScanIntervalMs < 50 {
		return fmt.Errorf("%w: scan interval must be at least 50ms", ErrInvalidSchema)
	}
	if cfg.Detection.DebounceStreak < 1 {
		return fmt.Errorf("%w: debounce streak must be at least 1", ErrInvalidSchema)
	}
	for name, v := range map[string]float64{
		"template_threshold": cfg.Detection.TemplateThreshold,
		"cooldown_threshold": cfg.Detection.CooldownThreshold,
		"min_confidence":     cfg.Detection.MinConfidence,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%w: %s must be in (0, 1]", ErrInvalidSchema, name)
		}
	}
	if cfg.Detection.MinConfidence > cfg.Detection.TemplateThreshold {
		return fmt.Errorf("%w: min_confidence cannot exceed template_threshold", ErrInvalidSchema)
	}
	if cfg.Execution.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries cannot be negative", ErrInvalidSchema)
	}
	if cfg.Execution.TimeoutMs <= 0 {
		return fmt.Errorf("%w: execution timeout must be positive", ErrInvalidSchema)
	}
	if cfg.Integration.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure threshold must be at least 1", ErrInvalidSchema)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port %d", ErrInvalidSchema, cfg.Server.Port)
	}

	return nil
}

func createFromTemplate() error {
	if err := cp.Copy(filepath.Join(templateDir, "kbot.yaml"), filepath.Join(baseDir, "kbot.yaml")); err != nil {
		return err
	}

	return cp.Copy(filepath.Join(templateDir, "classes"), filepath.Join(baseDir, "classes"))
}

func decryptSecret(v string) (string, error) {
	if !strings.HasPrefix(v, encryptedPrefix) {
		return v, nil
	}

	return dpapi.Decrypt(strings.TrimPrefix(v, encryptedPrefix))
}

func encryptSecret(cfg *KbotCfg, v string) (string, error) {
	if !cfg.EncryptSecrets || v == "" || strings.HasPrefix(v, encryptedPrefix) {
		return v, nil
	}

	enc, err := dpapi.Encrypt(v)
	if err != nil {
		return "", err
	}

	return encryptedPrefix + enc, nil
}
