package yjs

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/crdt"
)

// replica is a partition whose outbound updates are queued until
// delivered.
type replica struct {
	*Partition
	outbox [][]byte
}

func newReplica(t *testing.T, client crdt.ClientID, space string) *replica {
	t.Helper()
	r := &replica{}
	p, err := New(Options{
		ClientID:      client,
		Space:         space,
		OnLocalUpdate: func(u []byte) { r.outbox = append(r.outbox, u) },
	})
	require.NoError(t, err)
	r.Partition = p
	return r
}

// deliver sends everything queued on from to to.
func deliver(t *testing.T, from, to *replica) {
	t.Helper()
	for _, u := range from.outbox {
		require.NoError(t, to.ApplyRemoteUpdates([][]byte{u}))
	}
	from.outbox = nil
}

func apply(t *testing.T, p *replica, events ...bots.Action) {
	t.Helper()
	_, err := p.ApplyEvents(events)
	require.NoError(t, err)
}

func TestPartition_AddStoresBotsAndStrings(t *testing.T) {
	p := newReplica(t, 1, "shared")
	var added [][]*bots.Bot
	p.OnBotsAdded().Subscribe(func(b []*bots.Bot) { added = append(added, b) })

	apply(t, p, bots.AddBot(bots.CreateBot("a", bots.Tags{"name": "bob", "n": 1, "ok": true})))

	require.Len(t, added, 1)
	bot := p.State()["a"]
	require.NotNil(t, bot)
	assert.Equal(t, "shared", bot.Space)
	assert.Equal(t, "bob", bot.Tags["name"])
	assert.Equal(t, int64(1), bot.Tags["n"])
	assert.Equal(t, true, bot.Tags["ok"])

	m, ok := p.Doc().Map(BotsRoot).Get("a")
	require.True(t, ok)
	name, _ := m.(*crdt.Map).Get("name")
	assert.IsType(t, &crdt.Text{}, name, "strings are stored as shared text")
}

func TestPartition_AddThenRemoveSameBatchIsSilent(t *testing.T) {
	p := newReplica(t, 1, "")
	var count int
	p.OnBotsAdded().Subscribe(func([]*bots.Bot) { count++ })
	p.OnBotsRemoved().Subscribe(func([]string) { count++ })

	apply(t, p,
		bots.AddBot(bots.CreateBot("test", bots.Tags{"abc": "def"})),
		bots.RemoveBot("test"),
	)

	assert.Equal(t, 0, count)
	assert.NotContains(t, p.State(), "test")
}

func TestPartition_ReplicasExchangeBots(t *testing.T) {
	a := newReplica(t, 1, "")
	b := newReplica(t, 2, "")

	apply(t, a, bots.AddBot(bots.CreateBot("x", bots.Tags{"color": "red", "n": 2})))
	apply(t, a, bots.UpdateBot("x", bots.Tags{"color": "blue"}))
	deliver(t, a, b)

	assert.Equal(t, bots.MustStateHash(a.State()), bots.MustStateHash(b.State()))
	assert.Equal(t, "blue", b.State()["x"].Tags["color"])

	apply(t, b, bots.RemoveBot("x"))
	deliver(t, b, a)
	assert.Empty(t, a.State())
}

func TestPartition_ConcurrentTextInsertsConverge(t *testing.T) {
	a := newReplica(t, 1, "")
	b := newReplica(t, 2, "")
	apply(t, a, bots.AddBot(bots.CreateBot("t", bots.Tags{"s": "a"})))
	deliver(t, a, b)

	apply(t, a, bots.UpdateBot("t", bots.Tags{"s": bots.Edit(nil, bots.Preserve(1), bots.Insert("b"))}))
	apply(t, b, bots.UpdateBot("t", bots.Tags{"s": bots.Edit(nil, bots.Preserve(1), bots.Insert("c"))}))
	deliver(t, a, b)
	deliver(t, b, a)

	sa := a.State()["t"].Tags["s"].(string)
	sb := b.State()["t"].Tags["s"].(string)
	assert.Equal(t, sa, sb)
	assert.Len(t, sa, 3)
	assert.True(t, strings.HasPrefix(sa, "a"))
	assert.Contains(t, sa, "b")
	assert.Contains(t, sa, "c")
}

func TestPartition_TextEditNotifiesWithEdit(t *testing.T) {
	a := newReplica(t, 1, "")
	b := newReplica(t, 2, "")
	apply(t, a, bots.AddBot(bots.CreateBot("t", bots.Tags{"s": "abc"})))
	deliver(t, a, b)

	var localUpdates, remoteUpdates []bots.UpdatedBot
	a.OnBotsUpdated().Subscribe(func(u []bots.UpdatedBot) { localUpdates = append(localUpdates, u...) })
	b.OnBotsUpdated().Subscribe(func(u []bots.UpdatedBot) { remoteUpdates = append(remoteUpdates, u...) })

	apply(t, a, bots.UpdateBot("t", bots.Tags{"s": bots.Edit(nil, bots.Preserve(1), bots.Insert("X"))}))
	deliver(t, a, b)

	require.Len(t, localUpdates, 1)
	assert.Equal(t, "aXbc", a.State()["t"].Tags["s"])
	edit := localUpdates[0].Edits["s"]
	require.NotNil(t, edit)
	assert.False(t, edit.IsRemote)
	assert.Equal(t, []bots.TagEditOp{bots.Preserve(1), bots.Insert("X")}, edit.Operations)
	assert.Contains(t, edit.Version, crdt.ClientID(1).String())

	require.Len(t, remoteUpdates, 1)
	assert.Equal(t, "aXbc", b.State()["t"].Tags["s"])
	assert.True(t, remoteUpdates[0].Edits["s"].IsRemote)
}

func TestPartition_EditResolvedAgainstItsVersion(t *testing.T) {
	a := newReplica(t, 1, "")
	b := newReplica(t, 2, "")
	apply(t, a, bots.AddBot(bots.CreateBot("t", bots.Tags{"s": "abc"})))
	deliver(t, a, b)
	authored := b.Version().Vector.Clone()

	apply(t, a, bots.UpdateBot("t", bots.Tags{"s": bots.Edit(nil, bots.Insert("XX"))}))
	deliver(t, a, b)
	require.Equal(t, "XXabc", b.State()["t"].Tags["s"])

	apply(t, b, bots.UpdateBot("t", bots.Tags{"s": bots.Edit(authored, bots.Preserve(1), bots.Insert("!"))}))
	deliver(t, b, a)

	assert.Equal(t, "XXa!bc", b.State()["t"].Tags["s"])
	assert.Equal(t, "XXa!bc", a.State()["t"].Tags["s"])
}

func TestPartition_LocalEditAfterRemoteUpdateSeesOwnText(t *testing.T) {
	a := newReplica(t, 1, "")
	b := newReplica(t, 2, "")
	apply(t, b, bots.AddBot(bots.CreateBot("t", bots.Tags{"s": "abc"})))
	apply(t, a, bots.AddBot(bots.CreateBot("other", nil)))
	deliver(t, a, b)
	require.NotContains(t, b.Version().Vector, crdt.ClientID(2).String())

	apply(t, b, bots.UpdateBot("t", bots.Tags{"s": bots.Edit(b.Version().Vector, bots.Preserve(1), bots.Insert("X"))}))

	assert.Equal(t, "aXbc", b.State()["t"].Tags["s"])
}

func TestPartition_MultiOpEditSeesItsOwnInserts(t *testing.T) {
	p := newReplica(t, 1, "")
	apply(t, p, bots.AddBot(bots.CreateBot("t", bots.Tags{"s": "abcdef"})))
	version := p.Version().Vector.Clone()

	apply(t, p, bots.UpdateBot("t", bots.Tags{"s": bots.Edit(version,
		bots.Insert("1"),
		bots.Preserve(2),
		bots.Delete(2),
		bots.Insert("2"),
	)}))

	assert.Equal(t, "1ab2ef", p.State()["t"].Tags["s"])
}

func TestPartition_RemoteEditAttributedToRemoteSite(t *testing.T) {
	p := newReplica(t, 1, "")
	apply(t, p, bots.AddBot(bots.CreateBot("t", bots.Tags{"s": "ab"})))

	apply(t, p, bots.UpdateBot("t", bots.Tags{"s": bots.RemoteEdit(nil, bots.Preserve(2), bots.Insert("c"))}))

	assert.Equal(t, "abc", p.State()["t"].Tags["s"])
	remote, err := crdt.ParseClientID(p.Version().RemoteSite)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Doc().Clock(remote))
}

func TestPartition_NoOpUpdateProducesNoNotification(t *testing.T) {
	p := newReplica(t, 1, "")
	apply(t, p, bots.AddBot(bots.CreateBot("a", bots.Tags{"n": 1, "s": "x"})))
	p.outbox = nil
	calls := 0
	p.OnBotsUpdated().Subscribe(func([]bots.UpdatedBot) { calls++ })
	before := p.State()

	apply(t, p, bots.UpdateBot("a", bots.Tags{"n": 1, "s": "x"}))

	assert.Equal(t, 0, calls)
	assert.Empty(t, p.outbox, "no document change")
	assert.Equal(t, bots.MustStateHash(before), bots.MustStateHash(p.State()))
}

func TestPartition_ApplyStateIdempotent(t *testing.T) {
	p := newReplica(t, 1, "")
	added := 0
	p.OnBotsAdded().Subscribe(func([]*bots.Bot) { added++ })
	delta := bots.ApplyState(bots.PartialState{
		"a": {Tags: bots.Tags{"x": 1}},
		"b": {Tags: bots.Tags{"y": "z"}},
	})

	apply(t, p, delta)
	first := bots.MustStateHash(p.State())
	apply(t, p, delta)

	assert.Equal(t, first, bots.MustStateHash(p.State()))
	assert.Equal(t, 1, added)
}

func TestPartition_MasksStoredUnderCompositeKey(t *testing.T) {
	a := newReplica(t, 1, "tempLocal")
	b := newReplica(t, 2, "tempLocal")
	apply(t, a, bots.AddBot(bots.CreateBot("bot1", nil)))
	apply(t, a, bots.UpdateBotMasks("bot1", map[string]bots.Tags{"tempLocal": {"color": "red"}}))
	deliver(t, a, b)

	assert.True(t, a.Doc().Map(MasksRoot).Has("bot1:color"))
	v, ok := b.State()["bot1"].Mask("tempLocal", "color")
	require.True(t, ok)
	assert.Equal(t, "red", v)

	apply(t, a, bots.RemoveBot("bot1"))
	assert.True(t, a.Doc().Map(MasksRoot).Has("bot1:color"), "mask entries outlive their bot")
}

func TestPartition_MasksWrittenOnAdd(t *testing.T) {
	p := newReplica(t, 1, "tempLocal")
	bot := bots.CreateBot("m", bots.Tags{"a": 1})
	bot.Masks = map[string]bots.Tags{"tempLocal": {"label": "hi"}, "other": {"label": "no"}}

	apply(t, p, bots.AddBot(bot))

	assert.Equal(t, []string{"m:label"}, p.Doc().Map(MasksRoot).Keys())
	v, ok := p.State()["m"].Mask("tempLocal", "label")
	require.True(t, ok)
	assert.Equal(t, "hi", v)
}

func TestSplitMaskKey(t *testing.T) {
	id, tag, err := SplitMaskKey("bot:tag:with:colons")
	require.NoError(t, err)
	assert.Equal(t, "bot", id)
	assert.Equal(t, "tag:with:colons", tag)

	_, _, err = SplitMaskKey("nocolon")
	assert.Error(t, err)
}

func TestPartition_VersionDropsLocalSiteAfterRemoteUpdate(t *testing.T) {
	a := newReplica(t, 1, "")
	b := newReplica(t, 2, "")
	apply(t, b, bots.AddBot(bots.CreateBot("own", nil)))
	assert.Contains(t, b.Version().Vector, crdt.ClientID(2).String())

	apply(t, a, bots.AddBot(bots.CreateBot("x", nil)))
	deliver(t, a, b)

	v := b.Version()
	assert.Equal(t, crdt.ClientID(2).String(), v.CurrentSite)
	assert.NotEqual(t, v.CurrentSite, v.RemoteSite)
	assert.NotContains(t, v.Vector, crdt.ClientID(2).String())
	assert.Contains(t, v.Vector, crdt.ClientID(1).String())
}

func TestPartition_InstActions(t *testing.T) {
	p := newReplica(t, 1, "")
	apply(t, p, bots.AddBot(bots.CreateBot("a", bots.Tags{"k": "v"})))
	var events []bots.Action
	p.OnEvents().Subscribe(func(a []bots.Action) { events = append(events, a...) })

	require.NoError(t, p.SendRemoteEvents([]bots.Action{
		bots.Remote(&bots.GetCurrentInstUpdateAction{}, bots.Selector{}, "task1"),
	}))
	require.Len(t, events, 1)
	res := events[0].(*bots.AsyncResultAction)
	assert.Equal(t, "task1", res.TaskID)
	update := res.Result.(bots.InstUpdate)

	state, err := StateFromUpdates([]bots.InstUpdate{update})
	require.NoError(t, err)
	assert.Equal(t, "v", state["a"].Tags["k"])

	init, err := InitializationUpdate([]*bots.Bot{bots.CreateBot("b", bots.Tags{"z": 1})})
	require.NoError(t, err)
	p.outbox = nil
	require.NoError(t, p.SendRemoteEvents([]bots.Action{
		bots.Remote(&bots.ApplyUpdatesToInstAction{Updates: []bots.InstUpdate{init}}, bots.Selector{}, ""),
	}))
	assert.Contains(t, p.State(), "b")
	assert.Len(t, p.outbox, 1, "imported updates are pushed like local ones")
}

func TestPartition_InstActionErrors(t *testing.T) {
	p := newReplica(t, 1, "")
	var events []bots.Action
	p.OnEvents().Subscribe(func(a []bots.Action) { events = append(events, a...) })
	bad := []bots.InstUpdate{{ID: 3, Update: "!!!"}}

	err := p.SendRemoteEvents([]bots.Action{bots.Remote(&bots.ApplyUpdatesToInstAction{Updates: bad}, bots.Selector{}, "")})
	assert.True(t, crdt.IsMalformedUpdate(err))

	require.NoError(t, p.SendRemoteEvents([]bots.Action{bots.Remote(&bots.ApplyUpdatesToInstAction{Updates: bad}, bots.Selector{}, "t")}))
	require.Len(t, events, 1)
	assert.Equal(t, "t", events[0].(*bots.AsyncErrorAction).TaskID)

	garbage := base64.StdEncoding.EncodeToString([]byte{0xff, 0x00})
	err = p.SendRemoteEvents([]bots.Action{bots.Remote(&bots.ApplyUpdatesToInstAction{Updates: []bots.InstUpdate{{Update: garbage}}}, bots.Selector{}, "")})
	assert.True(t, crdt.IsMalformedUpdate(err))
}

type memCache struct {
	updates map[string][][]byte
}

func (c *memCache) LoadBranch(_ context.Context, key string) ([][]byte, []int64, error) {
	return c.updates[key], nil, nil
}

func (c *memCache) SaveUpdates(_ context.Context, key string, updates ...[]byte) error {
	c.updates[key] = append(c.updates[key], updates...)
	return nil
}

func TestPartition_CacheRestoresDocument(t *testing.T) {
	cache := &memCache{updates: map[string][][]byte{}}
	first, err := New(Options{Cache: cache, CacheKey: "r/i/b"})
	require.NoError(t, err)
	first.Connect()
	_, err = first.ApplyEvents([]bots.Action{bots.AddBot(bots.CreateBot("kept", bots.Tags{"s": "hello"}))})
	require.NoError(t, err)
	first.Unsubscribe()

	second, err := New(Options{Cache: cache, CacheKey: "r/i/b"})
	require.NoError(t, err)
	saved := len(cache.updates["r/i/b"])
	second.Connect()

	assert.Equal(t, "hello", second.State()["kept"].Tags["s"])
	assert.Len(t, cache.updates["r/i/b"], saved, "cached updates are not written back")
}

func TestPartition_UnsubscribeStopsNotifications(t *testing.T) {
	p := newReplica(t, 1, "")
	calls := 0
	p.OnBotsAdded().Subscribe(func([]*bots.Bot) { calls++ })
	p.Unsubscribe()

	_, err := p.ApplyEvents([]bots.Action{bots.AddBot(bots.CreateBot("a", nil))})
	assert.Error(t, err)
	assert.Error(t, p.ApplyRemoteUpdates([][]byte{{1}}))
	assert.Equal(t, 0, calls)
	assert.True(t, p.Closed())
}
