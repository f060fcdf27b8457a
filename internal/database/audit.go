package database

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/gluk-w/termhub/internal/activity"
	"github.com/gluk-w/termhub/internal/crashguard"
	"gorm.io/gorm"
)

const auditQueue = 256

// AuditSink persists activity events to session_events. Publish never
// blocks; events arriving while the queue is full are dropped.
type AuditSink struct {
	db      *gorm.DB
	ch      chan activity.Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewAuditSink starts the writer goroutine. Close stops it.
func NewAuditSink(db *gorm.DB) *AuditSink {
	a := &AuditSink{
		db:   db,
		ch:   make(chan activity.Event, auditQueue),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AuditSink) run() {
	defer close(a.done)
	for e := range a.ch {
		a.write(e)
	}
}

// write stores one event. A panic is contained so the writer keeps draining.
func (a *AuditSink) write(e activity.Event) {
	defer crashguard.Recover("audit writer")
	row := SessionEvent{Session: e.Session, Type: string(e.Type), Reason: e.Reason, At: e.Timestamp}
	if err := a.db.Create(&row).Error; err != nil {
		log.Printf("[activity] audit write for %s failed: %v", e.Session, err)
	}
}

func (a *AuditSink) Publish(e activity.Event) {
	select {
	case a.ch <- e:
	default:
		if n := a.dropped.Add(1); n%100 == 1 {
			log.Printf("[activity] audit queue full, dropped %d events so far", n)
		}
	}
}

// Close flushes queued events and stops the writer. Publish must not be
// called afterwards.
func (a *AuditSink) Close() {
	a.once.Do(func() {
		close(a.ch)
		<-a.done
	})
}

// RecentEvents returns up to limit events, newest first, optionally for one
// session.
func RecentEvents(db *gorm.DB, session string, limit int) ([]SessionEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := db.Order("at DESC, id DESC").Limit(limit)
	if session != "" {
		q = q.Where("session = ?", session)
	}
	var events []SessionEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
