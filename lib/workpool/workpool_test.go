// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudplane-org/director/sdk/go/director"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&PoolSuite{})

type PoolSuite struct{}

func (s *PoolSuite) TestAllSucceed(c *check.C) {
	p := New(context.Background(), 3)
	var ran int32
	for i := 0; i < 10; i++ {
		p.Add(func() error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}
	c.Check(p.Wait(), check.IsNil)
	c.Check(atomic.LoadInt32(&ran), check.Equals, int32(10))
}

func (s *PoolSuite) TestBoundedConcurrency(c *check.C) {
	p := New(context.Background(), 2)
	var cur, max int32
	var mtx sync.Mutex
	for i := 0; i < 8; i++ {
		p.Add(func() error {
			n := atomic.AddInt32(&cur, 1)
			mtx.Lock()
			if n > max {
				max = n
			}
			mtx.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&cur, -1)
			return nil
		})
	}
	c.Check(p.Wait(), check.IsNil)
	mtx.Lock()
	defer mtx.Unlock()
	c.Check(max <= 2, check.Equals, true)
	c.Check(max >= 1, check.Equals, true)
}

func (s *PoolSuite) TestFirstErrorShortCircuits(c *check.C) {
	p := New(context.Background(), 1)
	boom := errors.New("boom")
	var after int32
	p.Add(func() error { return boom })
	// Scheduled behind the failing unit on a single slot; none of
	// these should run once the failure is recorded.
	for i := 0; i < 5; i++ {
		p.Add(func() error {
			atomic.AddInt32(&after, 1)
			return nil
		})
	}
	c.Check(p.Wait(), check.Equals, boom)
	c.Check(atomic.LoadInt32(&after), check.Equals, int32(0))
}

func (s *PoolSuite) TestRunningUnitsFinish(c *check.C) {
	p := New(context.Background(), 2)
	started := make(chan bool, 1)
	finish := make(chan bool)
	var finished int32
	p.Add(func() error {
		started <- true
		<-finish
		atomic.AddInt32(&finished, 1)
		return nil
	})
	<-started
	p.Add(func() error { return errors.New("boom") })
	// Give the failing unit time to record its error, then let the
	// long one finish.
	time.Sleep(10 * time.Millisecond)
	close(finish)
	c.Check(p.Wait(), check.ErrorMatches, "boom")
	c.Check(atomic.LoadInt32(&finished), check.Equals, int32(1))
}

func (s *PoolSuite) TestCancellation(c *check.C) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, 1)
	block := make(chan bool)
	p.Add(func() error {
		<-block
		return nil
	})
	cancel()
	var ran int32
	p.Add(func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	close(block)
	err := p.Wait()
	c.Check(errors.Is(err, director.ErrCancelled), check.Equals, true)
	c.Check(atomic.LoadInt32(&ran), check.Equals, int32(0))
}
