package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeatureSetInsertionOrder(t *testing.T) {
	fs := newFeatureSet(func(s string) string { return s })
	for _, v := range []string{"c", "a", "b"} {
		fs.put(v)
	}
	assert.Equal(t, []string{"c", "a", "b"}, fs.values())

	// Replacing keeps position.
	fs.put("a")
	assert.Equal(t, []string{"c", "a", "b"}, fs.values())

	// Removal keeps relative order and reindexes.
	assert.True(t, fs.remove("c"))
	assert.False(t, fs.remove("c"))
	assert.Equal(t, []string{"a", "b"}, fs.values())
	got, ok := fs.get("b")
	assert.True(t, ok)
	assert.Equal(t, "b", got)
}

func TestServerDerivedCapabilities(t *testing.T) {
	s := NewServer(Implementation{Name: "s", Version: "1"})
	caps := s.capabilities()
	assert.NotNil(t, caps.Tools)
	assert.NotNil(t, caps.Prompts)
	assert.NotNil(t, caps.Resources)
	assert.True(t, caps.Resources.Subscribe)
	assert.NotNil(t, caps.Logging)
	assert.Nil(t, caps.Completions)

	s.SetCompletionHandler(func(ctx context.Context, params *CompleteParams) (*CompleteResult, error) {
		return &CompleteResult{}, nil
	})
	assert.NotNil(t, s.capabilities().Completions)

	s.SetCapabilities(&ServerCapabilities{})
	caps = s.capabilities()
	assert.Nil(t, caps.Tools)
	assert.Nil(t, caps.Logging)
}

func TestLoggingSeverityOrder(t *testing.T) {
	assert.Less(t, loggingSeverity[LoggingDebug], loggingSeverity[LoggingInfo])
	assert.Less(t, loggingSeverity[LoggingWarning], loggingSeverity[LoggingError])
	assert.Less(t, loggingSeverity[LoggingError], loggingSeverity[LoggingEmergency])
	// Unknown levels rank lowest.
	assert.Equal(t, 0, loggingSeverity[LoggingLevel("bogus")])
}
