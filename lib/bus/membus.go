// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"sync"
)

// MemBus is an in-process Bus. It backs the dummy cloud's agents and
// the test suites; semantics match the postgres bus.
type MemBus struct {
	mtx    sync.Mutex
	subs   map[string]map[*memSub]bool
	closed bool
}

// NewMemBus returns a ready MemBus.
func NewMemBus() *MemBus {
	return &MemBus{subs: map[string]map[*memSub]bool{}}
}

// Publish delivers data to all current subscribers of subject.
func (b *MemBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return errors.New("bus is closed")
	}
	for sub := range b.subs[subject] {
		sub.deliver(Message{Subject: subject, Data: data})
	}
	return nil
}

// Subscribe starts receiving messages published to subject.
func (b *MemBus) Subscribe(subject string) (Subscription, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return nil, errors.New("bus is closed")
	}
	sub := &memSub{
		bus:     b,
		subject: subject,
		ch:      make(chan Message, 64),
	}
	if b.subs[subject] == nil {
		b.subs[subject] = map[*memSub]bool{}
	}
	b.subs[subject][sub] = true
	return sub, nil
}

// Close ends all subscriptions.
func (b *MemBus) Close() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	b.subs = map[string]map[*memSub]bool{}
}

type memSub struct {
	bus     *MemBus
	subject string
	ch      chan Message
	closed  bool
}

func (s *memSub) Chan() <-chan Message { return s.ch }

func (s *memSub) Unsubscribe() {
	s.bus.mtx.Lock()
	defer s.bus.mtx.Unlock()
	if subs := s.bus.subs[s.subject]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	s.closeLocked()
}

// caller must hold bus.mtx.
func (s *memSub) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// caller must hold bus.mtx. A subscriber that has fallen 64 messages
// behind loses the oldest one; RPC callers treat a lost reply as a
// timeout.
func (s *memSub) deliver(m Message) {
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
