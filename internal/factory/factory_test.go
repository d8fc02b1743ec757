package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/hub"
	"github.com/roach88/botsync/internal/otherplayers"
	"github.com/roach88/botsync/internal/partition"
	"github.com/roach88/botsync/internal/remote"
	"github.com/roach88/botsync/internal/store"
	"github.com/roach88/botsync/internal/wire"
	"github.com/roach88/botsync/internal/yjs"
)

func newPool(t *testing.T, h *hub.Hub, sid string) *Pool {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, PoolOptions{
		Hub:     h,
		Session: wire.SessionOptions{Identity: bots.ConnectionInfo{SessionID: sid}},
	})
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})
	return pool
}

func build(t *testing.T, f partition.Factory, id string, cfg *partition.Config) partition.Partition {
	t.Helper()
	p, err := f(id, cfg)
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(p.Unsubscribe)
	return p
}

func TestNew_Memory(t *testing.T) {
	f := New(Options{})
	p := build(t, f, "tempLocal", &partition.Config{
		Type:         partition.TypeMemory,
		InitialState: bots.BotsState{"a": bots.CreateBot("a", bots.Tags{"x": "y"})},
	})

	require.IsType(t, &partition.Memory{}, p)
	assert.Equal(t, "tempLocal", p.Space())
	assert.Equal(t, "y", p.State()["a"].Tags["x"])
}

func TestNew_UnbackedTypesBuildNothing(t *testing.T) {
	f := New(Options{})
	for _, typ := range []string{
		partition.TypeCausalRepo,
		partition.TypeCausalRepoClient,
		partition.TypeRemoteCausalRepo,
		partition.TypeBotClient,
		partition.TypeLocalStorage,
		partition.TypeProxy,
		partition.TypeProxyClient,
		"unknown",
	} {
		t.Run(typ, func(t *testing.T) {
			p, err := f("x", &partition.Config{Type: typ})
			require.NoError(t, err)
			assert.Nil(t, p)
		})
	}
}

func TestNew_Yjs(t *testing.T) {
	f := New(Options{})
	p := build(t, f, "shared", &partition.Config{
		Type:         partition.TypeYjs,
		InitialState: bots.BotsState{"a": bots.CreateBot("a", bots.Tags{"abc": "def"})},
	})

	require.IsType(t, &yjs.Partition{}, p)
	assert.Equal(t, "def", p.State()["a"].Tags["abc"])
	assert.Equal(t, "shared", p.State()["a"].Space)
}

func TestNew_YjsLocalPersistence(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	f := New(Options{Cache: s})
	cfg := &partition.Config{Type: partition.TypeYjs, LocalPersistence: true}

	first, err := f("shared", cfg)
	require.NoError(t, err)
	first.Connect()
	_, err = first.ApplyEvents([]bots.Action{bots.AddBot(bots.CreateBot("a", bots.Tags{"n": 1}))})
	require.NoError(t, err)
	first.Unsubscribe()

	second := build(t, f, "shared", cfg)
	assert.Empty(t, second.State())
	second.Connect()

	require.Contains(t, second.State(), "a")
	assert.Equal(t, int64(1), second.State()["a"].Tags["n"])

	other := build(t, f, "other", cfg)
	other.Connect()
	assert.Empty(t, other.State())
}

func TestNew_RemoteRequiresBranch(t *testing.T) {
	f := New(Options{Clients: newPool(t, hub.New(hub.Options{}), "me")})

	_, err := f("shared", &partition.Config{Type: partition.TypeRemoteYjs})

	assert.ErrorIs(t, err, ErrNoBranch)
}

func TestNew_RemoteRequiresClients(t *testing.T) {
	f := New(Options{})

	_, err := f("shared", &partition.Config{Type: partition.TypeRemoteYjs, Branch: "main"})

	assert.Error(t, err)
}

func TestNew_RemoteSyncsThroughHub(t *testing.T) {
	h := hub.New(hub.Options{})
	cfg := &partition.Config{Type: partition.TypeRemoteYjs, RecordName: "rec", Inst: "inst", Branch: "main"}
	a := build(t, New(Options{Clients: newPool(t, h, "a")}), "shared", cfg)
	b := build(t, New(Options{Clients: newPool(t, h, "b")}), "shared", cfg)
	a.Connect()
	b.Connect()

	_, err := a.ApplyEvents([]bots.Action{bots.AddBot(bots.CreateBot("bot", bots.Tags{"color": "red"}))})
	require.NoError(t, err)

	require.Contains(t, b.State(), "bot")
	assert.Equal(t, "red", b.State()["bot"].Tags["color"])
}

func TestNew_RemoteOptions(t *testing.T) {
	pool := newPool(t, hub.New(hub.Options{}), "me")
	f := New(Options{Clients: pool})

	static := build(t, f, "static", &partition.Config{Type: partition.TypeYjsClient, Branch: "main", Static: true})
	readOnly := build(t, f, "readOnly", &partition.Config{Type: partition.TypeRemoteYjs, Branch: "main", ReadOnly: true})

	require.IsType(t, &remote.Partition{}, static)
	assert.True(t, static.(*remote.Partition).Static())
	assert.True(t, readOnly.(*remote.Partition).ReadOnly())
	assert.Equal(t, wire.BranchRef{Branch: "main"}, readOnly.(*remote.Partition).Ref())
	assert.Equal(t, 1, pool.Len())
}

func TestNew_OtherPlayers(t *testing.T) {
	f := New(Options{Clients: newPool(t, hub.New(hub.Options{}), "me")})

	for _, typ := range []string{partition.TypeOtherPlayersRepo, partition.TypeOtherPlayersClient} {
		p := build(t, f, "otherPlayers", &partition.Config{Type: typ, Branch: "main"})
		require.IsType(t, &otherplayers.Partition{}, p)
		assert.Equal(t, "otherPlayers", p.Space())
	}
}

func TestBuildAll(t *testing.T) {
	f := New(Options{})

	parts, err := BuildAll(f, map[string]*partition.Config{
		"shared":    {Type: partition.TypeYjs},
		"tempLocal": {Type: partition.TypeMemory},
		"legacy":    {Type: partition.TypeCausalRepo},
	})

	require.NoError(t, err)
	assert.Len(t, parts, 2)
	assert.Contains(t, parts, "shared")
	assert.Contains(t, parts, "tempLocal")
}

func TestBuildAll_UnsubscribesOnError(t *testing.T) {
	f := New(Options{})

	parts, err := BuildAll(f, map[string]*partition.Config{
		"a": {Type: partition.TypeYjs},
		"b": {Type: partition.TypeRemoteYjs, Branch: "main"},
	})

	assert.Error(t, err)
	assert.Nil(t, parts)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "memory", Describe(&partition.Config{Type: partition.TypeMemory}))
	assert.Equal(t, "remote_yjs rec/inst/main", Describe(&partition.Config{
		Type: partition.TypeRemoteYjs, RecordName: "rec", Inst: "inst", Branch: "main",
	}))
}
