// Package reorder runs channel reorder sessions: optimistic local moves while
// a row is dragged, asynchronous persistence on drop, and rollback when the
// backend refuses the new order.
//
// One session per protocol may be live at a time. Store mutations happen
// under the controller mutex and are never interleaved with a network call;
// the only suspension points are Backend.FetchChannels and
// Backend.PersistOrder.
package reorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/g960059/chanpool/internal/autosort"
	"github.com/g960059/chanpool/internal/logging"
	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/ordering"
)

var (
	ErrBusy          = errors.New("reorder in progress")
	ErrNoChange      = errors.New("order unchanged")
	ErrOrderMismatch = errors.New("order is not a permutation of the current channels")
	ErrStaleProposal = errors.New("suggested order changed since it was previewed")
)

// Backend is the source of truth for channels and their order.
type Backend interface {
	FetchChannels(ctx context.Context) ([]model.Channel, error)
	// PersistOrder must be idempotent under retry.
	PersistOrder(ctx context.Context, protocol model.Protocol, ids []string) error
}

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDragging   Phase = "dragging"
	PhasePersisting Phase = "persisting"
)

type SessionKind string

const (
	SessionDrag     SessionKind = "drag"
	SessionAutoSort SessionKind = "autosort"
)

type Session struct {
	ID            string
	Kind          SessionKind
	Protocol      model.Protocol
	DraggedID     string
	HoverTargetID string
	Snapshot      ordering.Snapshot
	Committed     bool
	StartedAt     time.Time
}

const (
	defaultPersistTimeout = 30 * time.Second
	defaultFetchTimeout   = 10 * time.Second
)

type Controller struct {
	backend        Backend
	notifier       Notifier
	log            *log.Entry
	persistTimeout time.Duration
	fetchTimeout   time.Duration
	now            func() time.Time

	mu       sync.Mutex
	store    *ordering.Store
	channels map[string]model.Channel
	sessions map[model.Protocol]*Session
	inflight map[model.Protocol]bool
	loaded   bool

	// fetchGen numbers fetches and persist completions. A fetch result older
	// than the last applied fetch, or older than a persist of its protocol
	// that ended while it was in flight, is not applied.
	fetchGen   uint64
	appliedGen uint64
	persistGen map[model.Protocol]uint64
}

type Option func(*Controller)

func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithPersistTimeout bounds each PersistOrder call. A timeout counts as a
// failed persist and rolls the order back.
func WithPersistTimeout(d time.Duration) Option {
	return func(c *Controller) { c.persistTimeout = d }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Controller) { c.fetchTimeout = d }
}

func WithLogger(entry *log.Entry) Option {
	return func(c *Controller) { c.log = entry }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func New(backend Backend, opts ...Option) *Controller {
	c := &Controller{
		backend:        backend,
		log:            logging.New("reorder"),
		persistTimeout: defaultPersistTimeout,
		fetchTimeout:   defaultFetchTimeout,
		now:            time.Now,
		store:          ordering.NewStore(),
		channels:       map[string]model.Channel{},
		sessions:       map[model.Protocol]*Session{},
		inflight:       map[model.Protocol]bool{},
		persistGen:     map[model.Protocol]uint64{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{Entry: c.log}
	}
	return c
}

// Loaded reports whether at least one fetch has completed.
func (c *Controller) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *Controller) Order(p model.Protocol) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Order(p)
}

// Channels returns the known channels of p in the current local order.
func (c *Controller) Channels(p model.Protocol) []model.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelsLocked(p)
}

func (c *Controller) channelsLocked(p model.Protocol) []model.Channel {
	ids := c.store.Order(p)
	out := make([]model.Channel, 0, len(ids))
	for _, id := range ids {
		if ch, ok := c.channels[id]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Controller) Session(p model.Protocol) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[p]
	if s == nil {
		return Session{}, false
	}
	cp := *s
	cp.Snapshot.IDs = append([]string(nil), s.Snapshot.IDs...)
	return cp, true
}

func (c *Controller) Phase(p model.Protocol) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.inflight[p]:
		return PhasePersisting
	case c.sessions[p] != nil:
		return PhaseDragging
	default:
		return PhaseIdle
	}
}

// Locked reports whether a persist for p is in flight. Rows of a locked
// protocol are not draggable.
func (c *Controller) Locked(p model.Protocol) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[p]
}

func (c *Controller) BeginDrag(p model.Protocol, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[p] || c.sessions[p] != nil || !c.store.Contains(p, id) {
		return false
	}
	s := &Session{
		ID:        uuid.NewString(),
		Kind:      SessionDrag,
		Protocol:  p,
		DraggedID: id,
		Snapshot:  c.store.Snapshot(p),
		StartedAt: c.now(),
	}
	c.sessions[p] = s
	c.log.WithFields(log.Fields{"protocol": p, "session": s.ID, "channel": id}).Debug("drag started")
	return true
}

// Hover moves the dragged channel before id. Hovering the dragged row itself
// or the row already hovered is a no-op.
func (c *Controller) Hover(p model.Protocol, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.liveDragLocked(p)
	if s == nil || id == s.DraggedID || id == s.HoverTargetID {
		return false
	}
	if !c.store.Contains(p, id) {
		return false
	}
	c.store.MoveBefore(p, s.DraggedID, id)
	s.HoverTargetID = id
	return true
}

// Leave clears the hover target so the same row can be hovered again.
func (c *Controller) Leave(p model.Protocol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.liveDragLocked(p); s != nil {
		s.HoverTargetID = ""
	}
}

func (c *Controller) DropOnRow(p model.Protocol, id string) (*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.liveDragLocked(p)
	if s == nil {
		return nil, false
	}
	if id != s.DraggedID && id != s.HoverTargetID && c.store.Contains(p, id) {
		c.store.MoveBefore(p, s.DraggedID, id)
	}
	return c.commitLocked(s), true
}

func (c *Controller) DropAtEnd(p model.Protocol) (*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.liveDragLocked(p)
	if s == nil {
		return nil, false
	}
	c.store.MoveToEnd(p, s.DraggedID)
	return c.commitLocked(s), true
}

// Cancel ends an uncommitted drag and restores the order captured when the
// drag began.
func (c *Controller) Cancel(p model.Protocol) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.liveDragLocked(p)
	if s == nil {
		return false
	}
	c.store.Restore(s.Snapshot)
	delete(c.sessions, p)
	c.log.WithFields(log.Fields{"protocol": p, "session": s.ID}).Debug("drag cancelled")
	return true
}

// ApplyOrder commits ids as the new order of p in a single session.
func (c *Controller) ApplyOrder(p model.Protocol, ids []string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyOrderLocked(p, ids, SessionAutoSort)
}

func (c *Controller) applyOrderLocked(p model.Protocol, ids []string, kind SessionKind) (*Pending, error) {
	if c.inflight[p] || c.sessions[p] != nil {
		return nil, ErrBusy
	}
	cur := c.store.Order(p)
	if !ordering.IsPermutation(ids, cur) {
		return nil, ErrOrderMismatch
	}
	if !autosort.Changed(cur, ids) {
		return nil, ErrNoChange
	}
	s := &Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		Protocol:  p,
		Snapshot:  c.store.Snapshot(p),
		StartedAt: c.now(),
	}
	c.sessions[p] = s
	c.store.Set(p, ids)
	return c.commitLocked(s), nil
}

// Proposal is the auto-sort suggestion for one protocol.
type Proposal struct {
	Protocol model.Protocol
	Current  []model.Channel
	Proposed []model.Channel
	Moves    []autosort.Move
	Changed  bool
}

func (c *Controller) Propose(p model.Protocol) Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proposeLocked(p)
}

func (c *Controller) proposeLocked(p model.Protocol) Proposal {
	current := c.channelsLocked(p)
	proposed := autosort.ProposeOrder(current)
	return Proposal{
		Protocol: p,
		Current:  current,
		Proposed: proposed,
		Moves:    autosort.Diff(current, proposed),
		Changed:  autosort.Changed(autosort.IDs(current), autosort.IDs(proposed)),
	}
}

// ApplyAutoSort applies previewed if it still matches the auto-sort proposal
// for its protocol. When the channels changed since the preview, nothing is
// applied and ErrStaleProposal is returned with the fresh proposal.
func (c *Controller) ApplyAutoSort(previewed Proposal) (*Pending, Proposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prop := c.proposeLocked(previewed.Protocol)
	ids := autosort.IDs(prop.Proposed)
	if !sameIDs(ids, autosort.IDs(previewed.Proposed)) {
		return nil, prop, ErrStaleProposal
	}
	if !prop.Changed {
		return nil, prop, ErrNoChange
	}
	pending, err := c.applyOrderLocked(prop.Protocol, ids, SessionAutoSort)
	return pending, prop, err
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *Controller) liveDragLocked(p model.Protocol) *Session {
	s := c.sessions[p]
	if s == nil || s.Committed || c.inflight[p] || s.Kind != SessionDrag {
		return nil
	}
	return s
}

func (c *Controller) commitLocked(s *Session) *Pending {
	s.Committed = true
	c.inflight[s.Protocol] = true
	c.log.WithFields(log.Fields{"protocol": s.Protocol, "session": s.ID, "kind": s.Kind}).Debug("order committed")
	snap := s.Snapshot
	snap.IDs = append([]string(nil), s.Snapshot.IDs...)
	return &Pending{
		c:         c,
		protocol:  s.Protocol,
		sessionID: s.ID,
		snapshot:  snap,
		ids:       c.store.Order(s.Protocol),
	}
}

// Refresh fetches channels and replaces every protocol's order with the
// backend's. A failed fetch leaves the last known state in place.
//
// Protocols with a persist in flight keep their optimistic order until the
// persist's own refetch. A live drag keeps its local order when the fetched
// id set matches, with its snapshot moved to the fetched order; otherwise it
// is cancelled. A result that was overtaken by a newer fetch, or by a persist
// that ended while it was in flight, is dropped for the affected protocols.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.fetchGen++
	gen := c.fetchGen
	c.mu.Unlock()

	fctx, cancel := withTimeout(ctx, c.fetchTimeout)
	channels, err := c.backend.FetchChannels(fctx)
	cancel()
	if err != nil {
		c.notifier.Notify(Notice{
			Kind:    NoticeFetchFailed,
			Message: "could not load channels; showing last known state",
			Err:     err,
			At:      c.now(),
		})
		return fmt.Errorf("fetch channels: %w", err)
	}

	seeded := ordering.SeedOrder(channels)
	var notices []Notice

	c.mu.Lock()
	if gen < c.appliedGen {
		c.mu.Unlock()
		c.log.WithField("generation", gen).Debug("dropping superseded fetch")
		return nil
	}
	c.appliedGen = gen
	stale := func(p model.Protocol) bool {
		return c.inflight[p] || gen < c.persistGen[p]
	}

	next := make(map[string]model.Channel, len(channels))
	for id, ch := range c.channels {
		if stale(ch.Protocol) {
			next[id] = ch
		}
	}
	for _, ch := range channels {
		if !stale(ch.Protocol) {
			next[ch.ID] = ch
		}
	}
	c.channels = next
	for _, p := range c.store.Protocols() {
		if _, ok := seeded[p]; !ok {
			seeded[p] = []string{}
		}
	}
	for p, ids := range seeded {
		if stale(p) {
			continue
		}
		if s := c.sessions[p]; s != nil {
			if ordering.IsPermutation(ids, s.Snapshot.IDs) {
				s.Snapshot.IDs = append([]string(nil), ids...)
				continue
			}
			delete(c.sessions, p)
			notices = append(notices, Notice{
				Kind:      NoticeSessionCancelled,
				Protocol:  p,
				SessionID: s.ID,
				Message:   "channels changed while dragging; drag cancelled",
				At:        c.now(),
			})
		}
		c.store.Set(p, ids)
	}
	c.loaded = true
	c.mu.Unlock()

	for _, n := range notices {
		c.notifier.Notify(n)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
