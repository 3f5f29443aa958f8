package command_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ehrlich-b/wingmux/internal/command"
)

func TestClassifyShortTimeoutCommands(t *testing.T) {
	c := command.NewClassifier(command.Options{})

	cl := c.Classify("get_state")
	assert.True(t, cl.IsShortTimeout)
	assert.True(t, cl.IsReadOnly)
	assert.False(t, cl.IsMutation)
	assert.NotNil(t, cl.Timeout)
}

func TestClassifySetSessionNameIsMutationWithShortTimeout(t *testing.T) {
	c := command.NewClassifier(command.Options{})

	cl := c.Classify("set_session_name")
	assert.True(t, cl.IsShortTimeout)
	assert.True(t, cl.IsMutation)
	assert.False(t, cl.IsReadOnly)
}

func TestClassifyCreateSessionIsUncancellable(t *testing.T) {
	c := command.NewClassifier(command.Options{})

	cl := c.Classify("create_session")
	assert.False(t, cl.IsCancellable)
	assert.Nil(t, cl.Timeout)
}

func TestClassifyUnknownCommandDefaultsToMutation(t *testing.T) {
	c := command.NewClassifier(command.Options{})

	cl := c.Classify("some_future_command")
	assert.True(t, cl.IsMutation)
	assert.False(t, cl.IsReadOnly)
	assert.False(t, c.IsSpecial("some_future_command"))
}

func TestClassifyExtensionUIResponseIsSpecial(t *testing.T) {
	c := command.NewClassifier(command.Options{})

	cl := c.Classify("extension_ui_response")
	assert.True(t, c.IsSpecial("extension_ui_response"))
	assert.False(t, cl.IsMutation)
	assert.False(t, cl.IsReadOnly)
}

func TestClassifyCustomTimeouts(t *testing.T) {
	c := command.NewClassifier(command.Options{DefaultTimeoutMs: 1000, ShortTimeoutMs: 100})

	cl := c.Classify("prompt")
	assert.Equal(t, int64(1000), cl.Timeout.Milliseconds())

	cl = c.Classify("get_state")
	assert.Equal(t, int64(100), cl.Timeout.Milliseconds())
}
