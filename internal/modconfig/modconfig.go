// Package modconfig validates and normalizes per-module configuration.
//
// Configuration is a closed tagged union keyed by module kind. Modules
// without a dedicated validator carry an Opaque object.
package modconfig

import (
	"encoding/json"
	"fmt"
)

// Kind tags a Config variant.
type Kind string

const (
	KindMirror Kind = "mirror"
	KindOpaque Kind = "opaque"
)

// Config is one validated module configuration.
type Config interface {
	Kind() Kind
	// Map renders the normalized value as stored and served.
	Map() map[string]any
}

// Rule names a violated validation rule.
type Rule string

const (
	RuleInvalidConfig     Rule = "INVALID_CONFIG"
	RuleInvalidLanguage   Rule = "INVALID_LANGUAGE"
	RuleDuplicateChannel  Rule = "DUPLICATE_CHANNEL"
	RuleDuplicateLanguage Rule = "DUPLICATE_LANGUAGE"
)

// ValidationError reports the first violated rule and the offending value.
type ValidationError struct {
	Rule      Rule   `json:"rule"`
	ChannelID string `json:"channelId,omitempty"`
	Group     string `json:"group,omitempty"`
	Language  string `json:"language,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (e *ValidationError) Error() string {
	msg := string(e.Rule)
	if e.Group != "" {
		msg += " group=" + e.Group
	}
	if e.ChannelID != "" {
		msg += " channel=" + e.ChannelID
	}
	if e.Language != "" {
		msg += " language=" + e.Language
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Validator parses and normalizes a raw JSON-shaped config.
type Validator func(raw any) (Config, error)

var validators = map[string]Validator{
	"mirror": ParseMirror,
}

// KindOf returns the config kind used by module name.
func KindOf(module string) Kind {
	if _, ok := validators[module]; ok {
		return Kind(module)
	}
	return KindOpaque
}

// Parse validates raw for module and returns the normalized variant.
// Failures are *ValidationError.
func Parse(module string, raw map[string]any) (Config, error) {
	plain, err := toPlain(raw)
	if err != nil {
		return nil, &ValidationError{Rule: RuleInvalidConfig, Message: err.Error()}
	}
	if v, ok := validators[module]; ok {
		return v(plain)
	}
	obj, _ := plain.(map[string]any)
	if obj == nil {
		obj = map[string]any{}
	}
	return Opaque(obj), nil
}

// Opaque is the config of modules without a dedicated validator. Any JSON
// object is accepted unchanged.
type Opaque map[string]any

func (Opaque) Kind() Kind { return KindOpaque }

func (o Opaque) Map() map[string]any { return map[string]any(o) }

// toPlain round-trips v through JSON so validators only ever see the types
// encoding/json produces, whatever decoder built v.
func toPlain(v map[string]any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
