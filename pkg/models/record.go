package models

import "fmt"

const (
	UnknownID   = "unknown"
	UnknownName = "unknown model"
)

// Record describes one model a conversation can be held with.
//
// Records are values: the catalog hands out copies, and nothing in the
// module mutates a record after it was loaded.
type Record struct {
	ID       string `yaml:"id" json:"id" mapstructure:"id"`
	Name     string `yaml:"name" json:"name" mapstructure:"name"`
	Provider string `yaml:"provider" json:"provider" mapstructure:"provider"`
	// ContextWindow is the size of the model's context in tokens, 0 if unknown.
	ContextWindow int `yaml:"context_window,omitempty" json:"context_window,omitempty" mapstructure:"context-window"`

	unknown bool
}

// Unknown returns the sentinel record handed out when resolution fails.
func Unknown() Record {
	return Record{ID: UnknownID, Name: UnknownName, unknown: true}
}

// IsUnknown reports whether r is the resolution sentinel. A catalog entry that
// happens to be called "unknown" is not the sentinel.
func (r Record) IsUnknown() bool {
	return r.unknown
}

// HasContextWindow reports whether the context window size is known.
func (r Record) HasContextWindow() bool {
	return r.ContextWindow > 0
}

func (r Record) String() string {
	if r.Name == "" || r.Name == r.ID {
		return r.ID
	}
	return fmt.Sprintf("%s (%s)", r.Name, r.ID)
}
