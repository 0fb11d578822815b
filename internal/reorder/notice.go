package reorder

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/security"
)

type NoticeKind string

const (
	NoticeFetchFailed      NoticeKind = "fetch_failed"
	NoticePersistFailed    NoticeKind = "persist_failed"
	NoticeSessionCancelled NoticeKind = "session_cancelled"
)

// Notice is a user-facing message raised by the controller.
type Notice struct {
	Kind      NoticeKind
	Protocol  model.Protocol
	SessionID string
	Message   string
	Err       error
	At        time.Time
}

type Notifier interface {
	Notify(n Notice)
}

type NotifierFunc func(n Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to logrus at warn level.
type LogNotifier struct {
	Entry *log.Entry
}

func (l LogNotifier) Notify(n Notice) {
	entry := l.Entry
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	fields := log.Fields{"notice": string(n.Kind)}
	if n.Protocol != "" {
		fields["protocol"] = string(n.Protocol)
	}
	if n.SessionID != "" {
		fields["session"] = n.SessionID
	}
	if n.Err != nil {
		fields["error"] = security.RedactText(n.Err.Error())
	}
	entry.WithFields(fields).Warn(n.Message)
}

// NoticeLog buffers notices until a renderer drains them.
type NoticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *NoticeLog) Notify(n Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *NoticeLog) Drain() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.notices
	l.notices = nil
	return out
}

// Fanout delivers every notice to each notifier in turn.
type Fanout []Notifier

func (f Fanout) Notify(n Notice) {
	for _, nt := range f {
		if nt != nil {
			nt.Notify(n)
		}
	}
}
