package reorder

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/ordering"
	"github.com/g960059/chanpool/internal/security"
)

type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Result describes how a committed session ended.
type Result struct {
	Protocol  model.Protocol
	SessionID string
	Outcome   Outcome
	// Err is the persist failure that caused a rollback.
	Err error
	// RefreshErr is set when the follow-up refetch failed.
	RefreshErr error
	// Order is the local order after the refetch.
	Order []string
}

// Pending is a committed order waiting to be persisted.
type Pending struct {
	c         *Controller
	protocol  model.Protocol
	sessionID string
	snapshot  ordering.Snapshot
	ids       []string

	once   sync.Once
	result Result
}

func (p *Pending) Protocol() model.Protocol { return p.protocol }
func (p *Pending) SessionID() string        { return p.sessionID }

// Order is the order being persisted.
func (p *Pending) Order() []string {
	return append([]string(nil), p.ids...)
}

// Persist sends the committed order to the backend. On failure the local
// order is rolled back to the session snapshot. Either way the phase returns
// to idle and exactly one refetch follows. Later calls return the first
// result.
func (p *Pending) Persist(ctx context.Context) Result {
	p.once.Do(func() {
		p.result = p.c.persist(ctx, p)
	})
	return p.result
}

func (c *Controller) persist(ctx context.Context, p *Pending) Result {
	entry := c.log.WithFields(log.Fields{"protocol": p.protocol, "session": p.sessionID})

	pctx, cancel := withTimeout(ctx, c.persistTimeout)
	err := c.backend.PersistOrder(pctx, p.protocol, p.Order())
	cancel()

	res := Result{Protocol: p.protocol, SessionID: p.sessionID, Outcome: OutcomeCommitted}
	c.mu.Lock()
	if err != nil {
		c.store.Restore(p.snapshot)
		res.Outcome = OutcomeRolledBack
		res.Err = err
	}
	if s := c.sessions[p.protocol]; s != nil && s.ID == p.sessionID {
		delete(c.sessions, p.protocol)
	}
	delete(c.inflight, p.protocol)
	c.fetchGen++
	c.persistGen[p.protocol] = c.fetchGen
	c.mu.Unlock()

	if err != nil {
		entry.WithField("error", security.RedactText(err.Error())).Warn("persist order failed; rolled back")
		c.notifier.Notify(Notice{
			Kind:      NoticePersistFailed,
			Protocol:  p.protocol,
			SessionID: p.sessionID,
			Message:   "saving the new channel order failed; previous order restored",
			Err:       err,
			At:        c.now(),
		})
	} else {
		entry.Info("channel order persisted")
	}

	res.RefreshErr = c.Refresh(ctx)
	res.Order = c.Order(p.protocol)
	return res
}
