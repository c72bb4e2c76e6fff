package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v2"
)

// Profile is the agent persona and voice settings, kept out of env so prompt
// text can be versioned as a file.
type Profile struct {
	SystemPrompt          string   `yaml:"system_prompt" json:"system_prompt"`
	WelcomeGreeting       string   `yaml:"welcome_greeting" json:"welcome_greeting"`
	FallbackMessage       string   `yaml:"fallback_message" json:"fallback_message"`
	Voice                 string   `yaml:"voice" json:"voice"`
	Language              string   `yaml:"language" json:"language"`
	TTSProvider           string   `yaml:"tts_provider" json:"tts_provider"`
	TranscriptionProvider string   `yaml:"transcription_provider" json:"transcription_provider"`
	Hints                 []string `yaml:"hints" json:"hints"`
}

// LoadProfile reads a YAML or JSON profile. An empty path returns nil.
func LoadProfile(path string) (*Profile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent profile: %w", err)
	}

	p := &Profile{}
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parse json agent profile: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("parse yaml agent profile: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported agent profile format: %s", filepath.Ext(path))
	}
	return p, nil
}

// ApplyProfile fills settings left unset in the environment from p.
// Environment values win.
func (cfg *Config) ApplyProfile(p *Profile) {
	if cfg == nil || p == nil {
		return
	}
	fill := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = strings.TrimSpace(v)
		}
	}
	fill(&cfg.SystemPrompt, p.SystemPrompt)
	fill(&cfg.WelcomeGreeting, p.WelcomeGreeting)
	fill(&cfg.RelayFallbackMessage, p.FallbackMessage)
	fill(&cfg.Voice, p.Voice)
	fill(&cfg.TTSProvider, p.TTSProvider)
	fill(&cfg.TranscriptionProvider, p.TranscriptionProvider)
	if os.Getenv("RELAY_LANGUAGE") == "" && strings.TrimSpace(p.Language) != "" {
		cfg.Language = strings.TrimSpace(p.Language)
	}
	if len(cfg.Hints) == 0 {
		cfg.Hints = append([]string(nil), p.Hints...)
	}
}
