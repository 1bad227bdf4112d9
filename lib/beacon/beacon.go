// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package beacon sends and receives small datagrams on the local network.
// It carries opaque payloads; the discovery layer decides what they mean.
package beacon

import (
	"context"
	"fmt"
	"net"
	stdsync "sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/landrop/landrop/lib/svcutil"
)

type recv struct {
	data []byte
	src  net.Addr
}

type Interface interface {
	suture.Service
	fmt.Stringer
	Send(data []byte)
	Recv() ([]byte, net.Addr)
	Error() error
}

type cast struct {
	*suture.Supervisor
	name   string
	reader svcutil.ServiceWithError
	writer svcutil.ServiceWithError
	outbox chan recv
	inbox  chan []byte
	mut    stdsync.Mutex
	done   chan struct{} // closed when Serve returns, Recv unblocks on it
}

// newCast returns a cast with no services attached; call addReader and
// addWriter before running it.
func newCast(name string) *cast {
	return &cast{
		Supervisor: suture.New(name, suture.Spec{
			// Socket errors are usually either permanent or take a while
			// to clear, so don't hammer on them.
			FailureThreshold: 2,
			FailureBackoff:   60 * time.Second,
			EventHook: func(e suture.Event) {
				l.Debugln(e)
			},
		}),
		name:   name,
		inbox:  make(chan []byte, 16),
		outbox: make(chan recv, 16),
	}
}

func (c *cast) addReader(svc func(context.Context) error) {
	c.reader = c.createService(svc, "reader")
	c.Add(c.reader)
}

func (c *cast) addWriter(svc func(context.Context) error) {
	c.writer = c.createService(svc, "writer")
	c.Add(c.writer)
}

func (c *cast) createService(svc func(context.Context) error, suffix string) svcutil.ServiceWithError {
	return svcutil.AsService(svc, fmt.Sprintf("%s/%s", c.name, suffix))
}

func (c *cast) Serve(ctx context.Context) error {
	l.Debugln(c.name, "starting")
	defer l.Debugln(c.name, "stopping")

	c.mut.Lock()
	done := make(chan struct{})
	c.done = done
	c.mut.Unlock()
	defer close(done)

	return c.Supervisor.Serve(ctx)
}

func (c *cast) String() string {
	return fmt.Sprintf("%s@%p", c.name, c)
}

// Send queues data for transmission. It never blocks; when the queue is
// full the datagram is dropped, as datagrams do.
func (c *cast) Send(data []byte) {
	select {
	case c.inbox <- data:
	default:
		l.Debugln("dropping message to full send queue")
	}
}

// Recv returns the next received datagram and its source address. It
// returns nil, nil once the beacon has stopped.
func (c *cast) Recv() ([]byte, net.Addr) {
	c.mut.Lock()
	done := c.done
	c.mut.Unlock()

	select {
	case recv := <-c.outbox:
		return recv.data, recv.src
	case <-done:
		return nil, nil
	}
}

func (c *cast) Error() error {
	if err := c.reader.Error(); err != nil {
		return err
	}
	return c.writer.Error()
}
