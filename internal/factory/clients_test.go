package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/botsync/internal/hub"
	"github.com/roach88/botsync/internal/partition"
	"github.com/roach88/botsync/internal/wire"
)

func TestProtocol(t *testing.T) {
	tests := []struct {
		name string
		cfg  partition.Config
		want string
	}{
		{"default", partition.Config{}, partition.ProtocolMemory},
		{"host", partition.Config{Host: "example.com"}, partition.ProtocolWebSocket},
		{"explicit", partition.Config{Host: "example.com", ConnectionProtocol: partition.ProtocolMemory}, partition.ProtocolMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Protocol(&tt.cfg))
		})
	}
}

func TestPool_SharesMemoryClient(t *testing.T) {
	pool := newPool(t, hub.New(hub.Options{}), "me")

	a, err := pool.Client(&partition.Config{})
	require.NoError(t, err)
	b, err := pool.Client(&partition.Config{ConnectionProtocol: partition.ProtocolMemory})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, "me", a.Info().SessionID)
}

func TestPool_MemoryClientIsConnected(t *testing.T) {
	pool := newPool(t, hub.New(hub.Options{}), "me")

	c, err := pool.Client(&partition.Config{})
	require.NoError(t, err)

	var state wire.ConnectionState
	c.ConnectionState().Subscribe(func(s wire.ConnectionState) { state = s })
	assert.True(t, state.Connected)
}

func TestPool_MemoryWithoutHub(t *testing.T) {
	pool := newPool(t, nil, "me")

	_, err := pool.Client(&partition.Config{})

	assert.ErrorIs(t, err, ErrNoHub)
}

func TestPool_Errors(t *testing.T) {
	pool := newPool(t, hub.New(hub.Options{}), "me")

	_, err := pool.Client(&partition.Config{ConnectionProtocol: partition.ProtocolWebSocket})
	assert.Error(t, err)

	_, err = pool.Client(&partition.Config{ConnectionProtocol: "carrier-pigeon"})
	assert.ErrorContains(t, err, "carrier-pigeon")

	_, err = pool.Client(&partition.Config{Host: "ftp://example.com"})
	assert.Error(t, err)
	assert.Equal(t, 0, pool.Len())
}

func TestPool_WebSocketClientStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool := NewPool(ctx, PoolOptions{})

	a, err := pool.Client(&partition.Config{Host: "127.0.0.1:1"})
	require.NoError(t, err)
	b, err := pool.Client(&partition.Config{Host: "127.0.0.1:1"})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.IsType(t, &wire.WebSocketClient{}, a)
	pool.Wait()
}
