// ABOUTME: Tests for dotted field-path access and delta computation
// ABOUTME: Verifies Get/Set semantics, cloning, and Diff output

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalState_SetField(t *testing.T) {
	var c CanonicalState

	require.NoError(t, c.SetField(FieldPhase, "story_creation"))
	assert.Equal(t, "story_creation", c.Phase)

	// Setting a story field materializes the story ref
	require.NoError(t, c.SetField(FieldStoryTitle, "The Moon Garden"))
	require.NotNil(t, c.CurrentStory)
	assert.Equal(t, "The Moon Garden", c.CurrentStory.Title)

	require.NoError(t, c.SetField(FieldCharacterName, "Luna"))
	require.NotNil(t, c.CurrentCharacter)
	assert.Equal(t, "Luna", c.CurrentCharacter.Name)

	// JSON-decoded []any slices normalize to []string
	require.NoError(t, c.SetField(FieldCharacterTraits, []any{"brave", "curious"}))
	assert.Equal(t, []string{"brave", "curious"}, c.CurrentCharacter.Traits)

	require.NoError(t, c.SetField(FieldEmotionalIntensity, 0.7))
	assert.InDelta(t, 0.7, c.Emotional.Intensity, 1e-9)

	assert.Error(t, c.SetField(FieldPhase, 42))
	assert.Error(t, c.SetField("bogus.path", "x"))
}

func TestCanonicalState_Field(t *testing.T) {
	c := CanonicalState{Phase: "greeting"}

	v, ok := c.Field(FieldPhase)
	require.True(t, ok)
	assert.Equal(t, "greeting", v)

	// Paths under an absent story do not resolve
	_, ok = c.Field(FieldStoryTitle)
	assert.False(t, ok)

	c.CurrentStory = &StoryRef{Title: "T", Beats: []string{"a"}}
	v, ok = c.Field(FieldStoryBeats)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, v)
}

func TestCanonicalState_Clone_Independent(t *testing.T) {
	c := CanonicalState{
		Phase:            "greeting",
		History:          []HistoryEntry{{Role: "user", Content: "hi", Timestamp: time.Now()}},
		CurrentStory:     &StoryRef{Beats: []string{"a"}},
		CurrentCharacter: &CharacterRef{Name: "Luna", Traits: []string{"brave"}},
	}
	cl := c.Clone()

	cl.Phase = "ended"
	cl.CurrentStory.Beats = append(cl.CurrentStory.Beats, "b")
	cl.CurrentCharacter.Name = "Nova"

	assert.Equal(t, "greeting", c.Phase)
	assert.Equal(t, []string{"a"}, c.CurrentStory.Beats)
	assert.Equal(t, "Luna", c.CurrentCharacter.Name)
}

func TestDiff(t *testing.T) {
	before := CanonicalState{Phase: "greeting"}
	after := before.Clone()

	assert.Nil(t, Diff(&before, &after))

	require.NoError(t, after.SetField(FieldPhase, "story_creation"))
	require.NoError(t, after.SetField(FieldCharacterName, "Luna"))
	require.NoError(t, after.SetField(FieldCharacterTraits, []string{"brave"}))

	fields := Diff(&before, &after)
	require.Len(t, fields, 3)
	assert.Equal(t, "story_creation", fields[FieldPhase])
	assert.Equal(t, "Luna", fields[FieldCharacterName])
	assert.Equal(t, []string{"brave"}, fields[FieldCharacterTraits])
}

func TestFieldClassification(t *testing.T) {
	assert.True(t, IsSetField(FieldStoryBeats))
	assert.True(t, IsSetField(FieldCharacterTraits))
	assert.False(t, IsSetField(FieldCharacterName))

	assert.True(t, IsNarrativeField(FieldStorySummary))
	assert.False(t, IsNarrativeField(FieldPhase))

	assert.True(t, KnownField(FieldPhase))
	assert.False(t, KnownField("nope"))
}

func TestStateDelta_Overlap(t *testing.T) {
	a := &StateDelta{Fields: map[string]any{FieldPhase: "x", FieldCharacterName: "Luna"}}
	b := &StateDelta{Fields: map[string]any{FieldCharacterName: "Nova"}}

	assert.Equal(t, []string{FieldCharacterName}, a.Overlap(b))
	assert.Empty(t, b.Overlap(&StateDelta{Fields: map[string]any{FieldPhase: "y"}}))
}
