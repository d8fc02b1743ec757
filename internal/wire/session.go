package wire

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/observable"
)

// Session implements Client on top of any message transport. The
// transport reports Opened and Closed and feeds received messages to
// Receive; Session sends through the function given to NewSession.
//
// Watches, pending requests and queued writes survive a reconnect: after
// the next login they are sent again.
type Session struct {
	mu     sync.Mutex
	send   func(Message) error
	logger *slog.Logger

	identity bots.ConnectionInfo
	token    string
	loggedIn bool

	state     *observable.Behavior[ConnectionState]
	rateLimit *observable.Subject[RateLimit]

	watches  map[string]*branchWatch
	devices  map[string]*deviceWatch
	requests map[int64]*request
	nextID   int64
	outbox   []Message
}

type branchWatch struct {
	ref     BranchRef
	subject *observable.Subject[BranchEvent]
	refs    int
}

type deviceWatch struct {
	ref     BranchRef
	subject *observable.Subject[DeviceEvent]
	refs    int
}

type request struct {
	msg    Message
	handle func(Message)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Identity is sent with the login message. The server may assign a
	// connection id.
	Identity bots.ConnectionInfo
	Token    string
	Logger   *slog.Logger
}

// NewSession creates a session that sends messages with send.
func NewSession(send func(Message) error, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		send:      send,
		logger:    logger,
		identity:  opts.Identity,
		token:     opts.Token,
		state:     observable.NewBehavior(ConnectionState{}),
		rateLimit: observable.NewSubject[RateLimit](),
		watches:   make(map[string]*branchWatch),
		devices:   make(map[string]*deviceWatch),
		requests:  make(map[int64]*request),
	}
}

func (s *Session) ConnectionState() observable.Observable[ConnectionState] { return s.state }
func (s *Session) RateLimitExceeded() observable.Observable[RateLimit]     { return s.rateLimit }

// Info returns the identity of the session.
func (s *Session) Info() bots.ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) transmit(msgs ...Message) {
	for _, m := range msgs {
		if err := s.send(m); err != nil {
			s.logger.Warn("send failed", "type", m.Type, "error", err)
		}
	}
}

// Opened is called by the transport once it can send. It logs in.
func (s *Session) Opened() {
	s.mu.Lock()
	info := s.identity
	token := s.token
	s.mu.Unlock()
	s.transmit(Message{Type: MsgLogin, Connection: &info, Token: token})
}

// Closed is called by the transport when the connection drops.
func (s *Session) Closed() {
	s.mu.Lock()
	was := s.loggedIn
	s.loggedIn = false
	s.mu.Unlock()
	if was {
		s.state.Next(ConnectionState{Connected: false})
	}
}

// Receive handles one message from the server.
func (s *Session) Receive(msg Message) {
	switch msg.Type {
	case MsgLoginResult:
		s.onLogin(msg)
	case MsgUpdates:
		updates, err := DecodeUpdates(msg.Updates)
		if err != nil {
			s.logger.Warn("dropping undecodable updates", "error", err)
			return
		}
		s.emitBranch(msg.Ref, BranchEvent{
			Type:       EventUpdates,
			Updates:    updates,
			Timestamps: msg.Timestamps,
			Initial:    msg.Initial,
		})
	case MsgDeviceEvent:
		if msg.Action == nil {
			return
		}
		dev, ok := msg.Action.Action.(*bots.DeviceAction)
		if !ok {
			s.logger.Warn("device event without device action", "type", msg.Action.Action.ActionType())
			return
		}
		s.emitBranch(msg.Ref, BranchEvent{Type: EventAction, Action: dev})
	case MsgMaxSizeReached:
		s.emitBranch(msg.Ref, BranchEvent{
			Type:                    EventMaxSizeReached,
			MaxBranchSizeInBytes:    msg.MaxBranchSizeInBytes,
			NeededBranchSizeInBytes: msg.NeededBranchSizeInBytes,
		})
	case MsgRateLimitExceeded:
		s.rateLimit.Next(RateLimit{RetryAfter: time.Duration(msg.RetryAfterMs) * time.Millisecond})
	case MsgDeviceConnected, MsgDeviceDisconnected:
		if msg.Ref == nil || msg.Connection == nil {
			return
		}
		s.mu.Lock()
		w := s.devices[msg.Ref.Key()]
		s.mu.Unlock()
		if w != nil {
			w.subject.Next(DeviceEvent{Connected: msg.Type == MsgDeviceConnected, Info: *msg.Connection})
		}
	case MsgGetUpdatesResult, MsgConnectionCountResult:
		s.resolve(msg)
	case MsgError:
		if msg.ID != 0 {
			s.resolve(msg)
			return
		}
		if msg.Ref != nil {
			s.emitBranch(msg.Ref, BranchEvent{Type: EventError, Err: msg.Error})
			return
		}
		s.logger.Warn("server error", "error", msg.Error)
	case MsgUpdatesReceived:
	default:
		s.logger.Debug("ignoring message", "type", msg.Type)
	}
}

func (s *Session) onLogin(msg Message) {
	s.mu.Lock()
	if msg.Connection != nil {
		s.identity = *msg.Connection
	}
	s.loggedIn = true
	info := s.identity
	var resend []Message
	for _, w := range s.watches {
		ref := w.ref
		resend = append(resend, Message{Type: MsgWatchBranch, Ref: &ref})
	}
	for _, w := range s.devices {
		ref := w.ref
		resend = append(resend, Message{Type: MsgWatchDevices, Ref: &ref})
	}
	for _, r := range s.requests {
		resend = append(resend, r.msg)
	}
	resend = append(resend, s.outbox...)
	s.outbox = nil
	s.mu.Unlock()

	s.logger.Debug("session logged in", "connection", info.ConnectionID, "session", info.SessionID)
	s.state.Next(ConnectionState{Connected: true, Info: &info})
	s.transmit(resend...)
}

func (s *Session) emitBranch(ref *BranchRef, e BranchEvent) {
	if ref == nil {
		return
	}
	s.mu.Lock()
	w := s.watches[ref.Key()]
	s.mu.Unlock()
	if w != nil {
		w.subject.Next(e)
	}
}

func (s *Session) resolve(msg Message) {
	s.mu.Lock()
	r, ok := s.requests[msg.ID]
	delete(s.requests, msg.ID)
	s.mu.Unlock()
	if ok {
		r.handle(msg)
	}
}

// sendOrQueue sends msg now when logged in; otherwise queue decides
// whether it waits for the next login.
func (s *Session) sendOrQueue(msg Message, queue bool) {
	s.mu.Lock()
	if !s.loggedIn {
		if queue {
			s.outbox = append(s.outbox, msg)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.transmit(msg)
}

// WatchBranch watches ref while at least one subscription is active.
func (s *Session) WatchBranch(ref BranchRef) observable.Observable[BranchEvent] {
	return observable.Func[BranchEvent](func(fn func(BranchEvent)) observable.Subscription {
		key := ref.Key()
		s.mu.Lock()
		w := s.watches[key]
		if w == nil {
			w = &branchWatch{ref: ref, subject: observable.NewSubject[BranchEvent]()}
			s.watches[key] = w
		}
		w.refs++
		first := w.refs == 1
		sub := w.subject.Subscribe(fn)
		s.mu.Unlock()

		if first {
			s.sendOrQueue(Message{Type: MsgWatchBranch, Ref: &ref}, false)
		}
		var once sync.Once
		return observable.SubscriptionFunc(func() {
			once.Do(func() {
				sub.Unsubscribe()
				s.mu.Lock()
				w.refs--
				last := w.refs == 0
				if last {
					delete(s.watches, key)
				}
				s.mu.Unlock()
				if last {
					s.sendOrQueue(Message{Type: MsgUnwatchBranch, Ref: &ref}, false)
				}
			})
		})
	})
}

// WatchBranchDevices watches device presence on ref.
func (s *Session) WatchBranchDevices(ref BranchRef) observable.Observable[DeviceEvent] {
	return observable.Func[DeviceEvent](func(fn func(DeviceEvent)) observable.Subscription {
		key := ref.Key()
		s.mu.Lock()
		w := s.devices[key]
		if w == nil {
			w = &deviceWatch{ref: ref, subject: observable.NewSubject[DeviceEvent]()}
			s.devices[key] = w
		}
		w.refs++
		first := w.refs == 1
		sub := w.subject.Subscribe(fn)
		s.mu.Unlock()

		if first {
			s.sendOrQueue(Message{Type: MsgWatchDevices, Ref: &ref}, false)
		}
		var once sync.Once
		return observable.SubscriptionFunc(func() {
			once.Do(func() {
				sub.Unsubscribe()
				s.mu.Lock()
				w.refs--
				last := w.refs == 0
				if last {
					delete(s.devices, key)
				}
				s.mu.Unlock()
				if last {
					s.sendOrQueue(Message{Type: MsgUnwatchDevices, Ref: &ref}, false)
				}
			})
		})
	})
}

func (s *Session) oneShot(msg Message, handle func(Message)) observable.Subscription {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	msg.ID = id
	s.requests[id] = &request{msg: msg, handle: handle}
	s.mu.Unlock()

	s.sendOrQueue(msg, false)
	return observable.SubscriptionFunc(func() {
		s.mu.Lock()
		delete(s.requests, id)
		s.mu.Unlock()
	})
}

// GetBranchUpdates fetches the updates stored for ref once.
func (s *Session) GetBranchUpdates(ref BranchRef) observable.Observable[BranchUpdates] {
	return observable.Func[BranchUpdates](func(fn func(BranchUpdates)) observable.Subscription {
		return s.oneShot(Message{Type: MsgGetUpdates, Ref: &ref}, func(m Message) {
			if m.Error != nil {
				fn(BranchUpdates{Err: m.Error})
				return
			}
			updates, err := DecodeUpdates(m.Updates)
			if err != nil {
				fn(BranchUpdates{Err: NewError(ErrCodeServerError, "decode updates: %v", err)})
				return
			}
			fn(BranchUpdates{Updates: updates, Timestamps: m.Timestamps})
		})
	})
}

// ConnectionCount counts the connections on ref once. A failed count
// reports -1.
func (s *Session) ConnectionCount(ref BranchRef) observable.Observable[int] {
	return observable.Func[int](func(fn func(int)) observable.Subscription {
		return s.oneShot(Message{Type: MsgConnectionCount, Ref: &ref}, func(m Message) {
			if m.Error != nil {
				fn(-1)
				return
			}
			fn(m.Count)
		})
	})
}

// AddUpdates pushes updates to ref. Updates sent while logged out are
// queued until the next login.
func (s *Session) AddUpdates(ref BranchRef, updates [][]byte, updateID int) {
	s.sendOrQueue(Message{
		Type:     MsgAddUpdates,
		Ref:      &ref,
		Updates:  EncodeUpdates(updates),
		UpdateID: updateID,
	}, true)
}

// SendAction relays an action to the devices selected by it.
func (s *Session) SendAction(ref BranchRef, action *bots.RemoteAction) {
	s.sendOrQueue(Message{Type: MsgSendAction, Ref: &ref, Action: &bots.Envelope{Action: action}}, true)
}
