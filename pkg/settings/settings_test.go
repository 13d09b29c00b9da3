package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/luna/pkg/models"
	"github.com/go-go-golems/luna/pkg/runtimeconfig"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const configYAML = `
default-model: Local Llama
system-prompt: You are helpful
max-attempts: 5
backoff-base: 250ms
timeout: 90s
models:
  - id: llama3
    name: Local Llama
    provider: openai
    context-window: 8192
`

func loadYAML(t *testing.T, doc string) *Settings {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	s, err := Load(v)
	require.NoError(t, err)
	return s
}

func TestLoadFromConfig(t *testing.T) {
	s := loadYAML(t, configYAML)
	require.Equal(t, "Local Llama", s.DefaultModel)
	require.Equal(t, 5, s.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, s.BackoffBase)
	require.Len(t, s.Models, 1)
	require.Equal(t, 8192, s.Models[0].ContextWindow)

	catalog, err := s.Catalog()
	require.NoError(t, err)
	require.Equal(t, 1, catalog.Len())

	cfg, err := s.RuntimeConfig(catalog)
	require.NoError(t, err)
	require.Equal(t, "llama3", cfg.SelectedModel().ID)
	require.Equal(t, "You are helpful", cfg.SystemPrompt())

	p := s.RetryPolicy()
	require.Equal(t, 5, p.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, p.BackoffBase)
	require.Equal(t, 2.0, p.BackoffFactor)
	require.Equal(t, 90*time.Second, p.Timeout)
}

func TestDefaults(t *testing.T) {
	s := loadYAML(t, "")
	require.Equal(t, DefaultModel, s.DefaultModel)
	require.Equal(t, runtimeconfig.DefaultSystemPrompt, s.SystemPrompt)

	catalog, err := s.Catalog()
	require.NoError(t, err)
	require.Equal(t, len(DefaultModels), catalog.Len())

	cfg, err := s.RuntimeConfig(catalog)
	require.NoError(t, err)
	require.Equal(t, DefaultModel, cfg.SelectedModel().ID)
	require.Equal(t, 60*time.Second, s.RetryPolicy().Timeout)
}

func TestUnknownDefaultModelIsRejected(t *testing.T) {
	s := loadYAML(t, "default-model: nonexistent\n")
	catalog, err := s.Catalog()
	require.NoError(t, err)
	_, err = s.RuntimeConfig(catalog)
	require.ErrorIs(t, err, models.ErrModelNotFound)
}

func TestModelsFileIsMerged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  - id: mistral\n    name: Mistral\n    provider: openai\n"), 0o644))

	s := loadYAML(t, configYAML+"models-file: "+path+"\n")
	catalog, err := s.Catalog()
	require.NoError(t, err)
	require.Equal(t, 2, catalog.Len())
	require.Equal(t, "mistral", catalog.Resolve("Mistral").ID)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LUNA_DEFAULT_MODEL", "gpt-4")
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("luna")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	s, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "gpt-4", s.DefaultModel)
}

func TestDatabasePath(t *testing.T) {
	s := &Settings{Database: "/tmp/x.sqlite"}
	p, err := s.DatabasePath()
	require.NoError(t, err)
	require.Equal(t, "/tmp/x.sqlite", p)

	t.Setenv("XDG_DATA_HOME", t.TempDir())
	p, err = (&Settings{}).DatabasePath()
	require.NoError(t, err)
	require.Equal(t, "luna.sqlite", filepath.Base(p))
}
