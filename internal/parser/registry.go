package parser

import (
	"strings"
	"time"

	"github.com/printer-dashboard/relay/internal/models"
)

// Format decodes one family of reading payloads.
type Format interface {
	// Name returns the unique name of the format.
	Name() string
	// CanParse reports whether the payload looks like this format.
	CanParse(payload string) bool
	// Parse decodes every reading in the payload.
	Parse(payload string, observedAt time.Time) ([]models.Reading, error)
}

// Registry holds the known payload formats, tried in order.
type Registry struct {
	formats []Format
}

var globalRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		formats: []Format{
			JSONObjectFormat{},
			PairFormat{},
		},
	}
}

// GetGlobalRegistry returns the singleton registry.
func GetGlobalRegistry() *Registry {
	return globalRegistry
}

// Register adds a new format to the registry.
func (r *Registry) Register(f Format) {
	r.formats = append(r.formats, f)
}

// FindFormat detects the format of a payload.
func (r *Registry) FindFormat(payload string) (Format, error) {
	for _, f := range r.formats {
		if f.CanParse(payload) {
			return f, nil
		}
	}
	return nil, newParseError(payload, "unrecognised message format")
}

// GetFormatByName returns a format by its name.
func (r *Registry) GetFormatByName(name string) (Format, bool) {
	name = strings.ToLower(name)
	for _, f := range r.formats {
		if strings.ToLower(f.Name()) == name {
			return f, true
		}
	}
	return nil, false
}
