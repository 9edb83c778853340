// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PGBus is a Bus over postgres LISTEN/NOTIFY. Subjects are hashed
// into notification channel names, one channel per subject. Payloads
// must stay under the ~8 kB NOTIFY limit; larger agent payloads
// travel by blobstore reference.
type PGBus struct {
	db     *sqlx.DB
	logger logrus.FieldLogger

	listener *pq.Listener
	mtx      sync.Mutex
	subs     map[string]map[*pgSub]bool // by subject
	subjects map[string]string          // channel -> subject
	stop     chan struct{}
	stopped  chan struct{}
	closed   bool
}

// NewPGBus returns a running PGBus. db is used for publishing;
// dataSource opens the dedicated listener connection.
func NewPGBus(db *sqlx.DB, dataSource string, logger logrus.FieldLogger) *PGBus {
	b := &PGBus{
		db:       db,
		logger:   logger,
		subs:     map[string]map[*pgSub]bool{},
		subjects: map[string]string{},
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	b.listener = pq.NewListener(dataSource, time.Second, time.Minute, b.listenerProblem)
	go b.run()
	return b
}

func (b *PGBus) listenerProblem(et pq.ListenerEventType, err error) {
	if et == pq.ListenerEventConnected {
		b.logger.Debug("bus listener connected")
		return
	}
	// pq reconnects and re-issues LISTENs on its own; anything
	// published in the gap is lost, which RPC callers observe as
	// a timeout.
	b.logger.WithField("eventType", et).WithError(err).Warn("bus listener problem")
}

func (b *PGBus) run() {
	defer close(b.stopped)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.listener.Ping()
		case ev, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if ev == nil {
				// Reconnect marker; listenerProblem
				// already logged it.
				continue
			}
			b.dispatch(ev.Channel, []byte(ev.Extra))
		}
	}
}

func (b *PGBus) dispatch(channel string, data []byte) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	subject, ok := b.subjects[channel]
	if !ok {
		return
	}
	for sub := range b.subs[subject] {
		sub.deliver(Message{Subject: subject, Data: data})
	}
}

// Publish sends data to every listener of subject, cluster-wide.
func (b *PGBus) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channelName(subject), string(data))
	return err
}

// Subscribe starts receiving messages published to subject.
func (b *PGBus) Subscribe(subject string) (Subscription, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	channel := channelName(subject)
	if b.subs[subject] == nil {
		if err := b.listener.Listen(channel); err != nil {
			return nil, err
		}
		b.subs[subject] = map[*pgSub]bool{}
		b.subjects[channel] = subject
	}
	sub := &pgSub{bus: b, subject: subject, ch: make(chan Message, 64)}
	b.subs[subject][sub] = true
	return sub, nil
}

// Close stops the listener and ends all subscriptions.
func (b *PGBus) Close() {
	b.mtx.Lock()
	if b.closed {
		b.mtx.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	b.subs = map[string]map[*pgSub]bool{}
	b.subjects = map[string]string{}
	b.mtx.Unlock()

	close(b.stop)
	b.listener.Close()
	<-b.stopped
}

type pgSub struct {
	bus     *PGBus
	subject string
	ch      chan Message
	closed  bool
}

func (s *pgSub) Chan() <-chan Message { return s.ch }

func (s *pgSub) Unsubscribe() {
	s.bus.mtx.Lock()
	defer s.bus.mtx.Unlock()
	if subs := s.bus.subs[s.subject]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.subs, s.subject)
			channel := channelName(s.subject)
			delete(s.bus.subjects, channel)
			if !s.bus.closed {
				s.bus.listener.Unlisten(channel)
			}
		}
	}
	s.closeLocked()
}

// caller must hold bus.mtx.
func (s *pgSub) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// caller must hold bus.mtx. Same overflow policy as MemBus.
func (s *pgSub) deliver(m Message) {
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- m:
		default:
		}
	}
}

// channelName maps an arbitrary subject to a valid postgres
// identifier.
func channelName(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return "bus_" + hex.EncodeToString(sum[:20])
}
