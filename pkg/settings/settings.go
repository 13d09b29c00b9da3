// Package settings holds the launch settings read from the config file, the
// environment and the command line, and turns them into the values the core
// is constructed with.
package settings

import (
	"os"
	"time"

	"github.com/go-go-golems/luna/pkg/locations"
	"github.com/go-go-golems/luna/pkg/models"
	"github.com/go-go-golems/luna/pkg/orchestrator"
	"github.com/go-go-golems/luna/pkg/runtimeconfig"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderEcho   = "echo"

	DefaultModel = "gpt-4o-mini"
)

// DefaultModels is the catalog used when the configuration lists none.
var DefaultModels = []models.Record{
	{ID: "gpt-4o", Name: "GPT-4o", Provider: ProviderOpenAI, ContextWindow: 128000},
	{ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: ProviderOpenAI, ContextWindow: 128000},
	{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Provider: ProviderOpenAI, ContextWindow: 128000},
	{ID: "gpt-4", Name: "GPT-4", Provider: ProviderOpenAI, ContextWindow: 8192},
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Provider: ProviderOpenAI, ContextWindow: 16385},
	{ID: "llama3", Name: "Llama 3", Provider: ProviderOllama, ContextWindow: 8192},
	{ID: "echo", Name: "Echo", Provider: ProviderEcho},
}

type Settings struct {
	DefaultModel string          `mapstructure:"default-model"`
	SystemPrompt string          `mapstructure:"system-prompt"`
	Models       []models.Record `mapstructure:"models"`
	// ModelsFile is an optional YAML catalog, merged after Models.
	ModelsFile string `mapstructure:"models-file"`

	OpenAIAPIKey  string `mapstructure:"openai-api-key"`
	OpenAIBaseURL string `mapstructure:"openai-base-url"`

	Database string `mapstructure:"database"`

	MaxAttempts   int           `mapstructure:"max-attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff-base"`
	BackoffFactor float64       `mapstructure:"backoff-factor"`
	BackoffMax    time.Duration `mapstructure:"backoff-max"`
	// Timeout bounds one provider attempt.
	Timeout time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	retry := orchestrator.DefaultRetryPolicy()
	v.SetDefault("default-model", DefaultModel)
	v.SetDefault("system-prompt", runtimeconfig.DefaultSystemPrompt)
	v.SetDefault("openai-base-url", "")
	v.SetDefault("database", "")
	v.SetDefault("max-attempts", retry.MaxAttempts)
	v.SetDefault("backoff-base", retry.BackoffBase)
	v.SetDefault("backoff-factor", retry.BackoffFactor)
	v.SetDefault("backoff-max", retry.BackoffMax)
	v.SetDefault("timeout", retry.Timeout)
}

// Load decodes the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	return s, nil
}

// Catalog builds the model catalog: the configured models (or the defaults
// when none are configured), followed by the models file.
func (s *Settings) Catalog() (*models.Catalog, error) {
	records := append([]models.Record{}, s.Models...)
	if len(records) == 0 && s.ModelsFile == "" {
		records = append(records, DefaultModels...)
	}
	if s.ModelsFile != "" {
		f, err := os.Open(s.ModelsFile)
		if err != nil {
			return nil, errors.Wrap(err, "could not open models file")
		}
		defer func() { _ = f.Close() }()
		fromFile, err := models.LoadCatalogYAML(f)
		if err != nil {
			return nil, err
		}
		records = append(records, fromFile.Records()...)
	}
	for i, r := range records {
		if r.ID == "" {
			return nil, errors.Errorf("model %d has no id", i)
		}
	}
	return models.NewCatalog(records...), nil
}

// RuntimeConfig builds the initial runtime configuration. The default model
// may be given by id or display name; an unresolvable one is an error since
// no turn could run with it.
func (s *Settings) RuntimeConfig(catalog *models.Catalog) (runtimeconfig.Config, error) {
	model, err := catalog.ResolveStrict(s.DefaultModel)
	if err != nil {
		return runtimeconfig.Config{}, errors.Wrap(err, "invalid default-model")
	}
	prompt := s.SystemPrompt
	if prompt == "" {
		prompt = runtimeconfig.DefaultSystemPrompt
	}
	return runtimeconfig.New(model, prompt), nil
}

func (s *Settings) RetryPolicy() orchestrator.RetryPolicy {
	p := orchestrator.DefaultRetryPolicy()
	if s.MaxAttempts > 0 {
		p.MaxAttempts = s.MaxAttempts
	}
	if s.BackoffBase > 0 {
		p.BackoffBase = s.BackoffBase
	}
	if s.BackoffFactor > 0 {
		p.BackoffFactor = s.BackoffFactor
	}
	if s.BackoffMax > 0 {
		p.BackoffMax = s.BackoffMax
	}
	if s.Timeout > 0 {
		p.Timeout = s.Timeout
	}
	return p
}

// DatabasePath is the configured database file, or the default one in the
// data directory.
func (s *Settings) DatabasePath() (string, error) {
	if s.Database != "" {
		return s.Database, nil
	}
	return locations.DatabaseFile()
}
