package adapter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/events/bus"
	"github.com/codervisor/clawden/internal/runtime"
)

func builtinCatalog(t *testing.T) *runtime.Catalog {
	t.Helper()
	c, err := runtime.Builtin()
	require.NoError(t, err)
	return c
}

func TestNewBuiltinRegistry(t *testing.T) {
	log := logger.NewNop()
	b := bus.NewMemoryEventBus(log)
	defer b.Close()

	reg, err := NewBuiltinRegistry(nil, builtinCatalog(t), Deps{Bus: b}, log)
	require.NoError(t, err)
	assert.Len(t, reg.List(), 8)

	a, err := reg.Get("ironclaw")
	require.NoError(t, err)
	assert.IsType(t, &RemoteAdapter{}, a)

	a, err = reg.Get("mimiclaw")
	require.NoError(t, err)
	assert.IsType(t, &BridgeAdapter{}, a)

	a, err = reg.Get("zeroclaw")
	require.NoError(t, err)
	assert.IsType(t, &ProcessAdapter{}, a)

	_, err = reg.Get("nope")
	assert.True(t, errors.Is(err, ErrAdapterNotFound))
}

func TestNewBuiltinRegistryUnknownRuntime(t *testing.T) {
	_, err := NewBuiltinRegistry([]string{"picoclaw", "notaclaw"}, builtinCatalog(t), Deps{}, logger.NewNop())
	require.ErrorIs(t, err, agenterr.ErrUnknownRuntime)
	assert.Contains(t, err.Error(), "notaclaw")
}

func TestNewBuiltinRegistryBridgeNeedsBus(t *testing.T) {
	_, err := NewBuiltinRegistry([]string{"mimiclaw"}, builtinCatalog(t), Deps{}, logger.NewNop())
	assert.Error(t, err)
}

func TestDetectRuntimeForCapability(t *testing.T) {
	reg, err := NewBuiltinRegistry([]string{"picoclaw", "openclaw", "zeroclaw", "nullclaw"}, builtinCatalog(t), Deps{}, logger.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []runtime.Name{"picoclaw"}, reg.DetectRuntimeForCapability([]string{"embedded"}))
	assert.Equal(t, []runtime.Name{"openclaw"}, reg.DetectRuntimeForCapability([]string{"chat", "tools"}))

	all := reg.DetectRuntimeForCapability([]string{"chat"})
	require.Len(t, all, 4)
	assert.Equal(t, runtime.Name("openclaw"), all[3], "most expensive runtime sorts last")
	assert.Empty(t, reg.DetectRuntimeForCapability([]string{"telepathy"}))
}
