// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package bus provides the pub/sub message bus the director and the
// per-VM agents communicate over: a postgres LISTEN/NOTIFY
// implementation for real deployments, and an in-process
// implementation used by the dummy cloud and by tests.
package bus

import "context"

// Message is one published payload.
type Message struct {
	Subject string
	Data    []byte
}

// A Subscription delivers messages published to one subject.
type Subscription interface {
	// Chan returns the delivery channel. It is closed when the
	// subscription ends.
	Chan() <-chan Message

	// Unsubscribe stops delivery and closes the channel.
	Unsubscribe()
}

// A Bus is a stateless pub/sub transport. Delivery is best-effort:
// messages published while nobody subscribes to the subject are
// dropped, and callers are responsible for timeouts.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string) (Subscription, error)
	Close()
}
