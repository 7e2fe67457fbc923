package hotlib

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// EventKind tells the two notifications of a reload apart.
type EventKind int

const (
	EventAboutToReload EventKind = iota + 1 //the old version is still loaded, carries a BlockToken
	EventReloaded                           //the reload finished, Event.Err reports a failed one
)

func (k EventKind) String() string {
	switch k {
	case EventAboutToReload:
		return "AboutToReload"
	case EventReloaded:
		return "Reloaded"
	default:
		return "Unknown"
	}
}

// Event is delivered to every Observer, AboutToReload then Reloaded for each reload.
type Event struct {
	Kind  EventKind
	Token *BlockToken
	Err   error
}

// State of the reload cycle driven through a Notifier.
type State int32

const (
	StateIdle State = iota
	StateAboutToReload
	StateReloading
	StateReloaded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAboutToReload:
		return "AboutToReload"
	case StateReloading:
		return "Reloading"
	case StateReloaded:
		return "Reloaded"
	default:
		return "Unknown"
	}
}

var errTimeout = errors.New("timeout")

// pending counts the BlockTokens of one AboutToReload broadcast.
type pending struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newPending() *pending {
	p := &pending{n: 1}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pending) add() {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
}

func (p *pending) done() {
	p.mu.Lock()
	p.n--
	if p.n <= 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

func (p *pending) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *pending) wait(logger *zap.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.n > 0 {
		logger.Debug("about to reload, waiting for block tokens", zap.Int("pending", p.n))
		p.cond.Wait()
	}
}

// BlockToken holds back a pending reload. The reload continues once every token
// of its AboutToReload broadcast is released.
//
// Always Release a token. A token lost without Release is only released when
// the garbage collector finalizes it.
type BlockToken struct {
	p        *pending
	released atomic.Bool
}

// Clone creates another token holding the same reload.
func (t *BlockToken) Clone() *BlockToken {
	t.p.add()
	c := &BlockToken{p: t.p}
	runtime.SetFinalizer(c, (*BlockToken).Release)
	return c
}

// Release lets the reload continue as far as this token is concerned. It is idempotent and nil safe.
func (t *BlockToken) Release() {
	if t == nil {
		return
	}
	if t.released.CompareAndSwap(false, true) {
		t.p.done()
	}
}

// Outstanding is the number of unreleased tokens of the same broadcast.
func (t *BlockToken) Outstanding() int { return t.p.count() }

// mailbox is the unbounded queue of one Observer.
type mailbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{q: queue.New(), ready: make(chan struct{}, 1)}
}

func (b *mailbox) put(e Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.q.Add(e)
	select {
	case b.ready <- struct{}{}:
	default:
	}
	return true
}

func (b *mailbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for b.q.Length() > 0 {
		b.q.Remove().(Event).Token.Release()
	}
	close(b.ready)
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}

// next takes the oldest event, waiting until one arrives, deadline fires or the mailbox closes.
func (b *mailbox) next(deadline <-chan time.Time) (Event, error) {
	for {
		b.mu.Lock()
		if b.q.Length() > 0 {
			e := b.q.Remove().(Event)
			b.mu.Unlock()
			return e, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Event{}, ErrClosed
		}
		select {
		case <-b.ready:
		case <-deadline:
			return Event{}, errTimeout
		}
	}
}

// waitFor skips events until one of kind arrives, releasing the tokens of skipped events.
func (b *mailbox) waitFor(kind EventKind, deadline <-chan time.Time) (Event, error) {
	for {
		e, err := b.next(deadline)
		if err != nil {
			return e, err
		}
		if e.Kind == kind {
			return e, nil
		}
		e.Token.Release()
	}
}

// Observer receives the reload notifications of one subscriber. Events queue
// without bound until waited for; an Observer that never waits keeps every
// AboutToReload blocked, Close it when done.
type Observer struct {
	mb *mailbox
}

// WaitForAboutToReload blocks until a reload is about to happen and returns its
// token; the old version stays loaded until the token is released.
// It returns nil once the Observer is closed.
func (o *Observer) WaitForAboutToReload() *BlockToken {
	e, err := o.wait(EventAboutToReload, nil)
	if err != nil {
		return nil
	}
	return e.Token
}

// WaitForAboutToReloadTimeout is WaitForAboutToReload giving up after d.
func (o *Observer) WaitForAboutToReloadTimeout(d time.Duration) (*BlockToken, bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	e, err := o.wait(EventAboutToReload, t.C)
	if err != nil {
		return nil, false
	}
	return e.Token, true
}

// WaitForReload blocks until a reload finished. It returns the reload failure
// if the new version could not be loaded, or ErrClosed once the Observer is closed.
func (o *Observer) WaitForReload() error {
	e, err := o.wait(EventReloaded, nil)
	if err != nil {
		return err
	}
	return e.Err
}

// WaitForReloadTimeout is WaitForReload giving up after d, ok is false on timeout.
func (o *Observer) WaitForReloadTimeout(d time.Duration) (ok bool, err error) {
	t := time.NewTimer(d)
	defer t.Stop()
	e, err := o.wait(EventReloaded, t.C)
	switch {
	case errors.Is(err, errTimeout):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, e.Err
}

func (o *Observer) wait(kind EventKind, deadline <-chan time.Time) (Event, error) {
	e, err := o.mb.waitFor(kind, deadline)
	//the finalizer must not close the mailbox while waiting
	runtime.KeepAlive(o)
	return e, err
}

// Queued is the number of events not yet waited for.
func (o *Observer) Queued() int { return o.mb.len() }

// Close unsubscribes and releases every queued token. The Notifier drops it on its next broadcast.
func (o *Observer) Close() { o.mb.close() }

// Notifier broadcasts reload notifications to its Observers.
type Notifier struct {
	mu     sync.Mutex
	subs   []*mailbox
	state  atomic.Int32
	logger *zap.Logger
}

// NewNotifier creates a Notifier, logger may be nil.
func NewNotifier(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger}
}

// Subscribe registers a new Observer.
func (n *Notifier) Subscribe() *Observer {
	n.logger.Debug("subscribe to library reload")
	mb := newMailbox()
	n.mu.Lock()
	n.subs = append(n.subs, mb)
	n.mu.Unlock()
	o := &Observer{mb: mb}
	runtime.SetFinalizer(o, (*Observer).Close)
	return o
}

// State is the current step of the reload cycle.
func (n *Notifier) State() State { return State(n.state.Load()) }

// AboutToReload sends an AboutToReload event to every Observer and blocks until
// all tokens handed out are released. Without observers it returns at once.
func (n *Notifier) AboutToReload() {
	n.state.Store(int32(StateAboutToReload))
	p := newPending()
	root := &BlockToken{p: p}
	n.broadcast(EventAboutToReload, func() Event {
		return Event{Kind: EventAboutToReload, Token: root.Clone()}
	})
	root.Release()
	p.wait(n.logger)
	n.state.Store(int32(StateReloading))
}

// Reloaded sends a Reloaded event carrying the reload result to every Observer.
func (n *Notifier) Reloaded(err error) {
	n.state.Store(int32(StateReloaded))
	n.broadcast(EventReloaded, func() Event {
		return Event{Kind: EventReloaded, Err: err}
	})
	n.state.Store(int32(StateIdle))
}

func (n *Notifier) broadcast(kind EventKind, event func() Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := len(n.subs)
	kept := n.subs[:0]
	for _, mb := range n.subs {
		e := event()
		if mb.put(e) {
			kept = append(kept, mb)
			continue
		}
		e.Token.Release()
	}
	for i := len(kept); i < total; i++ {
		n.subs[i] = nil
	}
	n.subs = kept
	n.logger.Debug("sent library event", zap.Stringer("event", kind), zap.Int("subscribers", len(kept)))
	if removed := total - len(kept); removed > 0 {
		n.logger.Debug("removed closed subscribers", zap.Int("removed", removed))
	}
}
