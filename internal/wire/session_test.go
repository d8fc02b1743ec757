package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/botsync/internal/bots"
)

type sent struct {
	msgs []Message
}

func (s *sent) send(m Message) error {
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *sent) types() []string {
	var out []string
	for _, m := range s.msgs {
		out = append(out, m.Type)
	}
	return out
}

func newTestSession() (*Session, *sent) {
	out := &sent{}
	s := NewSession(out.send, SessionOptions{Identity: bots.ConnectionInfo{SessionID: "s1", ConnectionID: "c1"}})
	return s, out
}

func login(s *Session) {
	s.Opened()
	s.Receive(Message{Type: MsgLoginResult, Connection: &bots.ConnectionInfo{SessionID: "s1", ConnectionID: "c1", UserID: "u"}})
}

var testRef = BranchRef{RecordName: "rec", Inst: "inst", Branch: "main"}

func TestSession_LoginReportsConnection(t *testing.T) {
	s, out := newTestSession()
	var states []ConnectionState
	s.ConnectionState().Subscribe(func(cs ConnectionState) { states = append(states, cs) })

	login(s)

	assert.Equal(t, []string{MsgLogin}, out.types())
	require.Len(t, states, 2)
	assert.False(t, states[0].Connected)
	assert.True(t, states[1].Connected)
	assert.Equal(t, "u", states[1].Info.UserID)
	assert.Equal(t, "u", s.Info().UserID)
}

func TestSession_WatchIsRefCounted(t *testing.T) {
	s, out := newTestSession()
	login(s)
	out.msgs = nil

	a := s.WatchBranch(testRef).Subscribe(func(BranchEvent) {})
	b := s.WatchBranch(testRef).Subscribe(func(BranchEvent) {})
	a.Unsubscribe()
	a.Unsubscribe()
	assert.Equal(t, []string{MsgWatchBranch}, out.types())

	b.Unsubscribe()
	assert.Equal(t, []string{MsgWatchBranch, MsgUnwatchBranch}, out.types())
}

func TestSession_UpdatesRoutedToWatcher(t *testing.T) {
	s, _ := newTestSession()
	login(s)

	var got []BranchEvent
	s.WatchBranch(testRef).Subscribe(func(e BranchEvent) { got = append(got, e) })

	s.Receive(Message{Type: MsgUpdates, Ref: &testRef, Updates: EncodeUpdates([][]byte{{1, 2}}), Initial: true})
	other := BranchRef{Inst: "inst", Branch: "other"}
	s.Receive(Message{Type: MsgUpdates, Ref: &other, Updates: EncodeUpdates([][]byte{{3}})})

	require.Len(t, got, 1)
	assert.Equal(t, EventUpdates, got[0].Type)
	assert.Equal(t, [][]byte{{1, 2}}, got[0].Updates)
	assert.True(t, got[0].Initial)
}

func TestSession_ReconnectReplaysWatchesAndQueuedWrites(t *testing.T) {
	s, out := newTestSession()
	s.WatchBranch(testRef).Subscribe(func(BranchEvent) {})
	s.AddUpdates(testRef, [][]byte{{9}}, 1)
	assert.Empty(t, out.msgs, "nothing is sent before login")

	login(s)
	assert.Equal(t, []string{MsgLogin, MsgWatchBranch, MsgAddUpdates}, out.types())

	s.Closed()
	out.msgs = nil
	login(s)
	assert.Equal(t, []string{MsgLogin, MsgWatchBranch}, out.types())
}

func TestSession_GetBranchUpdatesResolvesOnce(t *testing.T) {
	s, out := newTestSession()
	login(s)

	var results []BranchUpdates
	s.GetBranchUpdates(testRef).Subscribe(func(r BranchUpdates) { results = append(results, r) })
	req := out.msgs[len(out.msgs)-1]
	require.Equal(t, MsgGetUpdates, req.Type)
	require.NotZero(t, req.ID)

	reply := Message{Type: MsgGetUpdatesResult, ID: req.ID, Updates: EncodeUpdates([][]byte{{7}}), Timestamps: []int64{5}}
	s.Receive(reply)
	s.Receive(reply)

	require.Len(t, results, 1)
	assert.Equal(t, [][]byte{{7}}, results[0].Updates)
	assert.Equal(t, []int64{5}, results[0].Timestamps)
}

func TestSession_UnsubscribedRequestIsDropped(t *testing.T) {
	s, out := newTestSession()
	login(s)

	calls := 0
	sub := s.ConnectionCount(testRef).Subscribe(func(int) { calls++ })
	id := out.msgs[len(out.msgs)-1].ID
	sub.Unsubscribe()
	s.Receive(Message{Type: MsgConnectionCountResult, ID: id, Count: 3})

	assert.Equal(t, 0, calls)
}

func TestSession_ErrorsAndLimits(t *testing.T) {
	s, _ := newTestSession()
	login(s)

	var events []BranchEvent
	s.WatchBranch(testRef).Subscribe(func(e BranchEvent) { events = append(events, e) })
	var limits []RateLimit
	s.RateLimitExceeded().Subscribe(func(r RateLimit) { limits = append(limits, r) })

	s.Receive(Message{Type: MsgError, Ref: &testRef, Error: NewError(ErrCodeNotAuthorized, "no")})
	s.Receive(Message{Type: MsgMaxSizeReached, Ref: &testRef, MaxBranchSizeInBytes: 10, NeededBranchSizeInBytes: 12})
	s.Receive(Message{Type: MsgRateLimitExceeded, RetryAfterMs: 1500})

	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[0].Type)
	assert.True(t, IsAuthorizationError(events[0].Err))
	assert.Equal(t, EventMaxSizeReached, events[1].Type)
	assert.Equal(t, 12, events[1].NeededBranchSizeInBytes)
	assert.Equal(t, []RateLimit{{RetryAfter: 1500 * time.Millisecond}}, limits)
}

func TestSession_DeviceEvents(t *testing.T) {
	s, _ := newTestSession()
	login(s)

	var got []DeviceEvent
	s.WatchBranchDevices(testRef).Subscribe(func(e DeviceEvent) { got = append(got, e) })
	info := bots.ConnectionInfo{SessionID: "s2", ConnectionID: "c2"}
	s.Receive(Message{Type: MsgDeviceConnected, Ref: &testRef, Connection: &info})
	s.Receive(Message{Type: MsgDeviceDisconnected, Ref: &testRef, Connection: &info})

	assert.Equal(t, []DeviceEvent{{Connected: true, Info: info}, {Connected: false, Info: info}}, got)
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"localhost:8080", "ws://localhost:8080/ws"},
		{"http://example.com", "ws://example.com/ws"},
		{"https://example.com/", "wss://example.com/ws"},
		{"wss://example.com/sync", "wss://example.com/sync"},
	}
	for _, tt := range tests {
		got, err := WebSocketURL(tt.host)
		require.NoError(t, err, tt.host)
		assert.Equal(t, tt.want, got)
	}

	_, err := WebSocketURL("ftp://example.com")
	assert.Error(t, err)
}
