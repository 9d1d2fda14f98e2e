package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// ConfigValidator validates configuration with clear error messages.
type ConfigValidator struct {
	cfg      *Config
	validate *validator.Validate
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateAll performs comprehensive validation (fail-fast, stops at
// the first error).
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := v.validateDatabase(); err != nil {
		return fmt.Errorf("database validation failed: %w", err)
	}
	if err := v.validateResources(); err != nil {
		return fmt.Errorf("resource budget validation failed: %w", err)
	}
	if err := v.validateLLMProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		return NewValidationError("server", "http", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, v.cfg.Server.Port))
	}
	return nil
}

func (v *ConfigValidator) validateDatabase() error {
	if v.cfg.Database.Path == "" {
		return NewValidationError("database", "sqlite", "path", ErrMissingRequiredField)
	}
	if v.cfg.Database.MaxOpenConns < 1 {
		return NewValidationError("database", "sqlite", "max_open_conns",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateResources() error {
	limits := map[string]struct {
		limit, warning, critical float64
	}{
		"memory_mb":       {v.cfg.Resources.MemoryMB.Limit, v.cfg.Resources.MemoryMB.Warning, v.cfg.Resources.MemoryMB.Critical},
		"cpu_percent":     {v.cfg.Resources.CPUPercent.Limit, v.cfg.Resources.CPUPercent.Warning, v.cfg.Resources.CPUPercent.Critical},
		"disk_used_gb":    {v.cfg.Resources.DiskUsedGB.Limit, v.cfg.Resources.DiskUsedGB.Warning, v.cfg.Resources.DiskUsedGB.Critical},
		"tokens_hour":     {v.cfg.Resources.TokensHour.Limit, v.cfg.Resources.TokensHour.Warning, v.cfg.Resources.TokensHour.Critical},
		"tokens_day":      {v.cfg.Resources.TokensDay.Limit, v.cfg.Resources.TokensDay.Warning, v.cfg.Resources.TokensDay.Critical},
		"thoughts_active": {v.cfg.Resources.ThoughtsActive.Limit, v.cfg.Resources.ThoughtsActive.Warning, v.cfg.Resources.ThoughtsActive.Critical},
	}
	for name, l := range limits {
		if l.limit <= 0 {
			return NewValidationError("resources", name, "limit",
				fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
		if l.warning >= l.critical {
			return NewValidationError("resources", name, "warning",
				fmt.Errorf("%w: warning threshold must be below critical", ErrInvalidValue))
		}
	}
	return nil
}

func (v *ConfigValidator) validateLLMProviders() error {
	if !v.cfg.LLM.MockMode && len(v.cfg.LLM.Providers) == 0 {
		return NewValidationError("llm_provider", "bootstrap", "",
			fmt.Errorf("no LLM providers configured and mock mode is disabled; set OPENAI_API_KEY or MOCK_LLM"))
	}

	for name, p := range v.cfg.LLM.Providers {
		if err := v.validate.Struct(p); err != nil {
			return NewValidationError("llm_provider", name, "", err)
		}
		if !p.Type.IsValid() {
			return NewValidationError("llm_provider", name, "type",
				fmt.Errorf("%w: %s", ErrInvalidValue, p.Type))
		}
		if p.Type == LLMProviderTypeOpenAI {
			if p.APIKeyEnv == "" {
				return NewValidationError("llm_provider", name, "api_key_env", ErrMissingRequiredField)
			}
			if os.Getenv(p.APIKeyEnv) == "" {
				return NewValidationError("llm_provider", name, "api_key_env",
					fmt.Errorf("environment variable %s is empty", p.APIKeyEnv))
			}
		}
	}
	return nil
}
