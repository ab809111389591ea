package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stagehand/internal/logging"
)

func TestInvokeUnregisteredReturnsTypedError(t *testing.T) {
	r := NewRegistry(logging.NewNop())

	_, err := r.Invoke(context.Background(), "deploy", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapabilityNotRegistered)
	assert.Contains(t, err.Error(), "deploy")
}

func TestRegisterAndInvoke(t *testing.T) {
	r := NewRegistry(logging.NewNop())
	r.Register(CapabilityFunc{
		CapName: "echo",
		Fn: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			return input, nil
		},
	})

	out, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"a":1}`))

	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
	assert.Equal(t, []string{"echo"}, r.Names())
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := NewRegistry(logging.NewNop())
	r.Register(CapabilityFunc{CapName: "x", Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"old"`), nil
	}})
	r.Register(CapabilityFunc{CapName: "x", Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"new"`), nil
	}})

	out, err := r.Invoke(context.Background(), "x", nil)

	require.NoError(t, err)
	assert.Equal(t, `"new"`, string(out))
}
