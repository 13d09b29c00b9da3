package runtimeconfig

import "github.com/go-go-golems/luna/pkg/models"

const DefaultSystemPrompt = "You are a helpful assistant named Luna."

// Config is the runtime configuration: the selected model and the system
// prompt new conversations start with. It is a value; changing the
// configuration means building a new Config and publishing it.
type Config struct {
	selectedModel models.Record
	systemPrompt  string
}

func New(selectedModel models.Record, systemPrompt string) Config {
	return Config{
		selectedModel: selectedModel,
		systemPrompt:  systemPrompt,
	}
}

func (c Config) SelectedModel() models.Record {
	return c.selectedModel
}

func (c Config) SystemPrompt() string {
	return c.systemPrompt
}

// WithSelectedModel returns a copy of c using model.
func (c Config) WithSelectedModel(model models.Record) Config {
	c.selectedModel = model
	return c
}

// WithSystemPrompt returns a copy of c using prompt.
func (c Config) WithSystemPrompt(prompt string) Config {
	c.systemPrompt = prompt
	return c
}
