package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/model"
)

type stubTool struct{ name string }

func (s *stubTool) Name() string                                { return s.name }
func (s *stubTool) Execute(context.Context, Request) (any, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "http"}))
	require.NoError(t, r.Register(&stubTool{name: "shell"}))

	assert.Error(t, r.Register(&stubTool{name: "http"}))

	got, err := r.Get("shell")
	require.NoError(t, err)
	assert.Equal(t, "shell", got.Name())

	_, err = r.Get("teleport")
	assert.Error(t, err)

	assert.Equal(t, []string{"http", "shell"}, r.Kinds())
}

func TestError_KindSurvivesWrapping(t *testing.T) {
	inner := errors.New("boom")
	err := NewError(model.ErrKindTransport, inner)

	var te *Error
	require.ErrorAs(t, error(err), &te)
	assert.Equal(t, model.ErrKindTransport, te.Kind)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "boom", err.Error())
}
