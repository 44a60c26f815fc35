// ABOUTME: Dotted field-path access over CanonicalState for delta computation
// ABOUTME: Supports Get/Set on the bounded field set plus Diff between snapshots

package session

import (
	"fmt"
	"reflect"
	"time"
)

// Field paths understood by Field, SetField and Diff. The set is deliberately
// bounded: deltas only ever carry these paths.
const (
	FieldPhase              = "phase"
	FieldHistory            = "history"
	FieldStoryID            = "current_story.id"
	FieldStoryTitle         = "current_story.title"
	FieldStorySummary       = "current_story.summary"
	FieldStoryBeats         = "current_story.beats"
	FieldCharacterID        = "current_character.id"
	FieldCharacterName      = "current_character.name"
	FieldCharacterTraits    = "current_character.traits"
	FieldEmotionalMood      = "emotional.mood"
	FieldEmotionalIntensity = "emotional.intensity"
)

// fieldPaths lists every scalar-or-collection path Diff compares, in a stable
// order so produced deltas are deterministic.
var fieldPaths = []string{
	FieldPhase,
	FieldHistory,
	FieldStoryID,
	FieldStoryTitle,
	FieldStorySummary,
	FieldStoryBeats,
	FieldCharacterID,
	FieldCharacterName,
	FieldCharacterTraits,
	FieldEmotionalMood,
	FieldEmotionalIntensity,
}

// IsSetField reports whether the path holds a set-valued collection, for which
// conflict resolution unions candidates instead of picking one.
func IsSetField(path string) bool {
	return path == FieldStoryBeats || path == FieldCharacterTraits
}

// IsNarrativeField reports whether the path holds free narrative text eligible
// for semantic merging.
func IsNarrativeField(path string) bool {
	return path == FieldStorySummary
}

// KnownField reports whether the path is part of the canonical field set.
func KnownField(path string) bool {
	for _, p := range fieldPaths {
		if p == path {
			return true
		}
	}
	return false
}

// Field returns the value at the given path, and whether the path resolved.
// Paths under an absent story or character resolve to (nil, false).
func (c *CanonicalState) Field(path string) (any, bool) {
	switch path {
	case FieldPhase:
		return c.Phase, true
	case FieldHistory:
		return c.History, true
	case FieldEmotionalMood:
		return c.Emotional.Mood, true
	case FieldEmotionalIntensity:
		return c.Emotional.Intensity, true
	}
	switch path {
	case FieldStoryID, FieldStoryTitle, FieldStorySummary, FieldStoryBeats:
		if c.CurrentStory == nil {
			return nil, false
		}
		switch path {
		case FieldStoryID:
			return c.CurrentStory.StoryID, true
		case FieldStoryTitle:
			return c.CurrentStory.Title, true
		case FieldStorySummary:
			return c.CurrentStory.Summary, true
		case FieldStoryBeats:
			return c.CurrentStory.Beats, true
		}
	case FieldCharacterID, FieldCharacterName, FieldCharacterTraits:
		if c.CurrentCharacter == nil {
			return nil, false
		}
		switch path {
		case FieldCharacterID:
			return c.CurrentCharacter.CharacterID, true
		case FieldCharacterName:
			return c.CurrentCharacter.Name, true
		case FieldCharacterTraits:
			return c.CurrentCharacter.Traits, true
		}
	}
	return nil, false
}

// SetField writes a value at the given path, materializing the story or
// character struct when needed. Values may arrive JSON-decoded, so string
// slices are normalized from []any.
func (c *CanonicalState) SetField(path string, v any) error {
	switch path {
	case FieldPhase:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string, got %T", path, v)
		}
		c.Phase = s
		return nil
	case FieldHistory:
		entries, err := toHistory(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", path, err)
		}
		c.History = entries
		return nil
	case FieldEmotionalMood:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string, got %T", path, v)
		}
		c.Emotional.Mood = s
		c.Emotional.UpdatedAt = time.Now().UTC()
		return nil
	case FieldEmotionalIntensity:
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("field %s: expected number, got %T", path, v)
		}
		c.Emotional.Intensity = f
		c.Emotional.UpdatedAt = time.Now().UTC()
		return nil
	case FieldStoryID, FieldStoryTitle, FieldStorySummary, FieldStoryBeats:
		if c.CurrentStory == nil {
			c.CurrentStory = &StoryRef{}
		}
		switch path {
		case FieldStoryID:
			return setString(&c.CurrentStory.StoryID, path, v)
		case FieldStoryTitle:
			return setString(&c.CurrentStory.Title, path, v)
		case FieldStorySummary:
			return setString(&c.CurrentStory.Summary, path, v)
		case FieldStoryBeats:
			return setStrings(&c.CurrentStory.Beats, path, v)
		}
	case FieldCharacterID, FieldCharacterName, FieldCharacterTraits:
		if c.CurrentCharacter == nil {
			c.CurrentCharacter = &CharacterRef{}
		}
		switch path {
		case FieldCharacterID:
			return setString(&c.CurrentCharacter.CharacterID, path, v)
		case FieldCharacterName:
			return setString(&c.CurrentCharacter.Name, path, v)
		case FieldCharacterTraits:
			return setStrings(&c.CurrentCharacter.Traits, path, v)
		}
	}
	return fmt.Errorf("unknown field path %q", path)
}

// Clone returns a deep copy of the canonical state.
func (c *CanonicalState) Clone() CanonicalState {
	out := *c
	out.History = append([]HistoryEntry(nil), c.History...)
	if c.CurrentStory != nil {
		story := *c.CurrentStory
		story.Beats = append([]string(nil), c.CurrentStory.Beats...)
		out.CurrentStory = &story
	}
	if c.CurrentCharacter != nil {
		char := *c.CurrentCharacter
		char.Traits = append([]string(nil), c.CurrentCharacter.Traits...)
		out.CurrentCharacter = &char
	}
	return out
}

// Diff returns the canonical fields whose values changed between two
// snapshots, keyed by field path. An empty map means nothing changed.
func Diff(before, after *CanonicalState) map[string]any {
	fields := make(map[string]any)
	for _, path := range fieldPaths {
		bv, bok := before.Field(path)
		av, aok := after.Field(path)
		if !bok {
			bv = nil
		}
		if !aok {
			av = nil
		}
		// Materializing a story or character ref must not report its untouched
		// zero-valued siblings as changes.
		if isZero(bv) && isZero(av) {
			continue
		}
		if !reflect.DeepEqual(bv, av) {
			fields[path] = av
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func isZero(v any) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case string:
		return vv == ""
	case float64:
		return vv == 0
	case []string:
		return len(vv) == 0
	case []HistoryEntry:
		return len(vv) == 0
	}
	return false
}

func setString(dst *string, path string, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("field %s: expected string, got %T", path, v)
	}
	*dst = s
	return nil
}

func setStrings(dst *[]string, path string, v any) error {
	ss, ok := ToStringSlice(v)
	if !ok {
		return fmt.Errorf("field %s: expected string list, got %T", path, v)
	}
	*dst = ss
	return nil
}

// ToStringSlice normalizes a string slice that may have been JSON-decoded
// into []any.
func ToStringSlice(v any) ([]string, bool) {
	switch vv := v.(type) {
	case nil:
		return nil, true
	case []string:
		return append([]string(nil), vv...), true
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	}
	return 0, false
}

func toHistory(v any) ([]HistoryEntry, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []HistoryEntry:
		return append([]HistoryEntry(nil), vv...), nil
	}
	return nil, fmt.Errorf("expected history entries, got %T", v)
}
