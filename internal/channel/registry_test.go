// ABOUTME: Tests for the adapter registry
// ABOUTME: Covers registration, duplicate rejection, lookup, and type listing

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry(nil)

	require.NoError(t, reg.Register(NewWebChatAdapter()))
	require.NoError(t, reg.Register(NewVoiceAssistantAdapter()))

	a, err := reg.Get(TypeWebChat)
	require.NoError(t, err)
	assert.Equal(t, TypeWebChat, a.Type())

	_, err = reg.Get(TypeDirectAPI)
	assert.ErrorIs(t, err, ErrAdapterNotFound)
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry(nil)

	require.NoError(t, reg.Register(NewWebChatAdapter()))
	err := reg.Register(NewWebChatAdapter())
	assert.ErrorIs(t, err, ErrAdapterRegistered)
}

func TestRegistryTypes(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(NewMobileVoiceAdapter()))
	require.NoError(t, reg.Register(NewWebChatAdapter()))
	require.NoError(t, reg.Register(NewDirectAPIAdapter()))

	types := reg.Types()
	assert.Equal(t, []string{TypeDirectAPI, TypeMobileVoice, TypeWebChat}, types)
}
