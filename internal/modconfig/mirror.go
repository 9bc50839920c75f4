package modconfig

import (
	_ "embed"
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed mirror.schema.json
var mirrorSchemaSource string

var (
	mirrorSchema = jsonschema.MustCompileString("mirror.schema.json", mirrorSchemaSource)
	languageCode = regexp.MustCompile(`^[A-Z]{2,5}$`)
)

// Mirror replicates messages between the channels of a group, translating
// into each channel's language.
type Mirror struct {
	Groups []MirrorGroup `json:"groups"`
}

// MirrorGroup maps channel ids to language codes.
type MirrorGroup struct {
	Name     string            `json:"name"`
	Channels map[string]string `json:"channels"`
}

func (Mirror) Kind() Kind { return KindMirror }

func (m Mirror) Map() map[string]any {
	groups := make([]any, 0, len(m.Groups))
	for _, g := range m.Groups {
		channels := make(map[string]any, len(g.Channels))
		for id, lang := range g.Channels {
			channels[id] = lang
		}
		groups = append(groups, map[string]any{"name": g.Name, "channels": channels})
	}
	return map[string]any{"groups": groups}
}

// GroupFor returns the group containing channelID.
func (m Mirror) GroupFor(channelID string) (MirrorGroup, bool) {
	for _, g := range m.Groups {
		if _, ok := g.Channels[channelID]; ok {
			return g, true
		}
	}
	return MirrorGroup{}, false
}

// ParseMirror checks the shape, then runs each rule as a pass over the whole
// config: language format, global channel uniqueness, per-group language
// uniqueness. Groups are visited in order and channel ids in sorted order
// so the first violation reported is stable.
func ParseMirror(raw any) (Config, error) {
	if err := mirrorSchema.Validate(raw); err != nil {
		return nil, &ValidationError{Rule: RuleInvalidConfig, Message: schemaMessage(err)}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, &ValidationError{Rule: RuleInvalidConfig, Message: err.Error()}
	}
	var m Mirror
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{Rule: RuleInvalidConfig, Message: err.Error()}
	}
	if m.Groups == nil {
		m.Groups = []MirrorGroup{}
	}

	for i := range m.Groups {
		g := &m.Groups[i]
		if g.Channels == nil {
			g.Channels = map[string]string{}
		}
		for _, id := range sortedIDs(g.Channels) {
			lang := strings.ToUpper(g.Channels[id])
			if !languageCode.MatchString(lang) {
				return nil, &ValidationError{Rule: RuleInvalidLanguage, Group: g.Name, ChannelID: id, Language: lang}
			}
			g.Channels[id] = lang
		}
	}

	seenChannel := make(map[string]string)
	for _, g := range m.Groups {
		for _, id := range sortedIDs(g.Channels) {
			if _, dup := seenChannel[id]; dup {
				return nil, &ValidationError{Rule: RuleDuplicateChannel, Group: g.Name, ChannelID: id}
			}
			seenChannel[id] = g.Name
		}
	}

	for _, g := range m.Groups {
		seenLang := make(map[string]bool)
		for _, id := range sortedIDs(g.Channels) {
			lang := g.Channels[id]
			if seenLang[lang] {
				return nil, &ValidationError{Rule: RuleDuplicateLanguage, Group: g.Name, ChannelID: id, Language: lang}
			}
			seenLang[lang] = true
		}
	}

	return m, nil
}

func sortedIDs(channels map[string]string) []string {
	ids := make([]string, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// schemaMessage returns the most specific cause of a schema failure.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
