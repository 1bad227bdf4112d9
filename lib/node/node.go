// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package node assembles a running landrop node: the transfer API, the
// session store, discovery and the outgoing client, all under a single
// supervisor with one lifecycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/landrop/landrop/lib/api"
	"github.com/landrop/landrop/lib/client"
	"github.com/landrop/landrop/lib/config"
	"github.com/landrop/landrop/lib/discover"
	"github.com/landrop/landrop/lib/events"
	"github.com/landrop/landrop/lib/protocol"
	"github.com/landrop/landrop/lib/session"
	"github.com/landrop/landrop/lib/svcutil"
)

type App struct {
	mainService       *suture.Supervisor
	cfg               config.Options
	device            protocol.DeviceInfo
	observer          api.Observer
	evLogger          *events.Logger
	registry          *discover.Registry
	sessions          *session.Manager
	client            *client.Client
	apiSvc            api.Service
	finders           []discover.FinderService
	exitStatus        svcutil.ExitStatus
	err               error
	stopOnce          sync.Once
	mainServiceCancel context.CancelFunc
	stopped           chan struct{}
}

// New prepares an app around the given options. Nothing listens and no
// announcements go out until Start. The observer decides about incoming
// transfers and may be nil to accept everything; the event logger may be
// nil when no one subscribes.
func New(cfg config.Options, observer api.Observer, evLogger *events.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if evLogger == nil {
		evLogger = events.NewLogger()
	}
	a := &App{
		cfg:      cfg,
		device:   cfg.DeviceInfo(),
		observer: observer,
		evLogger: evLogger,
		stopped:  make(chan struct{}),
	}
	close(a.stopped) // Hasn't been started, so shouldn't block on Wait.
	return a, nil
}

// Start executes the app and returns once all the startup operations are
// done, e.g. the API is ready for use. Must be called once only.
func (a *App) Start() error {
	// Create a main service manager. We'll add things to this as we go
	// along. We want any logging it does to go through our log system.
	spec := svcutil.SpecWithDebugLogger(l)
	a.mainService = suture.New("main", spec)

	// Start the supervisor and wait for it to stop to handle cleanup.
	a.stopped = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	a.mainServiceCancel = cancel
	errChan := a.mainService.ServeBackground(ctx)
	go a.wait(errChan)

	if err := a.startup(); err != nil {
		a.stopWithErr(svcutil.ExitError, err)
		return err
	}
	return nil
}

func (a *App) startup() error {
	l.Infof("My fingerprint: %s (%q)", a.device.Fingerprint, a.cfg.Alias)

	a.evLogger.Log(events.Starting, map[string]string{
		"alias":       a.cfg.Alias,
		"fingerprint": a.device.Fingerprint,
	})

	a.registry = discover.NewRegistry(a.device.Fingerprint, a.evLogger)
	a.client = client.New(a.device, a.cfg.InsecureTLS)

	a.sessions = session.NewManager(a.cfg.SaveDirectory, a.cfg.SessionIdleTTL, a.evLogger)
	a.mainService.Add(a.sessions)

	a.apiSvc = api.New(a.cfg, a.device, a.sessions, a.registry, a.observer, a.evLogger)
	a.mainService.Add(a.apiSvc)
	if err := a.apiSvc.WaitForStart(); err != nil {
		return err
	}
	l.Infoln("Transfer API listening on", a.apiSvc.Addr())

	if a.cfg.MulticastEnabled {
		// Announcements always go to the group port, whatever port our
		// own API listens on; the port travels inside the payload.
		mcAddr := net.JoinHostPort(protocol.MulticastGroup, strconv.Itoa(protocol.DefaultPort))
		reply := func(ctx context.Context, peer discover.Peer) error {
			_, err := a.client.Register(ctx, client.TargetOf(peer.DeviceInfo))
			return err
		}
		mc := discover.NewLocal(a.device, mcAddr, a.registry, reply)
		a.finders = append(a.finders, mc)
		a.mainService.Add(mc)
	}

	if a.cfg.ScanEnabled {
		probe := func(ctx context.Context, ip net.IP, port int) (protocol.DeviceInfo, error) {
			return a.client.Info(ctx, client.Target{IP: ip, Port: port, Protocol: a.cfg.Protocol})
		}
		sc := discover.NewScanner(a.device, a.registry, a.cfg.ScanInterval, a.cfg.ScanConcurrency, probe)
		a.finders = append(a.finders, sc)
		a.mainService.Add(sc)
	}

	a.evLogger.Log(events.StartupComplete, map[string]string{
		"address": a.apiSvc.Addr().String(),
	})
	return nil
}

func (a *App) wait(errChan <-chan error) {
	err := <-errChan
	a.handleMainServiceError(err)

	l.Infoln("Exiting")

	close(a.stopped)
}

func (a *App) handleMainServiceError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	var fatalErr *svcutil.FatalErr
	if errors.As(err, &fatalErr) {
		a.exitStatus = fatalErr.Status
		a.err = fatalErr.Err
		return
	}
	a.err = err
	a.exitStatus = svcutil.ExitError
}

// Wait blocks until the app stops running. Also returns if the app hasn't
// been started yet.
func (a *App) Wait() svcutil.ExitStatus {
	<-a.stopped
	return a.exitStatus
}

// Error returns an error if one occurred while running the app. It does
// not wait for the app to stop before returning.
func (a *App) Error() error {
	select {
	case <-a.stopped:
		return a.err
	default:
	}
	return nil
}

// Stop stops the app and sets its exit status to given reason, unless the
// app was already stopped before. In any case it returns the effective
// exit status.
func (a *App) Stop(stopReason svcutil.ExitStatus) svcutil.ExitStatus {
	return a.stopWithErr(stopReason, nil)
}

func (a *App) stopWithErr(stopReason svcutil.ExitStatus, err error) svcutil.ExitStatus {
	a.stopOnce.Do(func() {
		a.exitStatus = stopReason
		a.err = err
		if shouldDebug() {
			l.Debugln("Services before stop:")
			printServiceTree(os.Stdout, a.mainService, 0)
		}
		a.mainServiceCancel()
	})
	<-a.stopped
	return a.exitStatus
}

// Addr returns the transfer API's listen address, or nil before Start.
func (a *App) Addr() net.Addr {
	if a.apiSvc == nil {
		return nil
	}
	return a.apiSvc.Addr()
}

// DeviceInfo returns the descriptor this node announces as itself.
func (a *App) DeviceInfo() protocol.DeviceInfo {
	return a.device
}

// Peers returns the currently known peers, sorted by alias.
func (a *App) Peers() []discover.Peer {
	if a.registry == nil {
		return nil
	}
	return a.registry.Peers()
}

type supervisor interface{ Services() []suture.Service }

func printServiceTree(w io.Writer, sup supervisor, level int) {
	printService(w, sup, level)

	svcs := sup.Services()
	sort.Slice(svcs, func(a, b int) bool {
		return fmt.Sprint(svcs[a]) < fmt.Sprint(svcs[b])
	})

	for _, svc := range svcs {
		if sub, ok := svc.(supervisor); ok {
			printServiceTree(w, sub, level+1)
		} else {
			printService(w, svc, level+1)
		}
	}
}

func printService(w io.Writer, svc interface{}, level int) {
	type errorer interface{ Error() error }

	t := "-"
	if _, ok := svc.(supervisor); ok {
		t = "+"
	}
	fmt.Fprintln(w, strings.Repeat("  ", level), t, svc)
	if es, ok := svc.(errorer); ok {
		if err := es.Error(); err != nil {
			fmt.Fprintln(w, strings.Repeat("  ", level), "  ->", err)
		}
	}
}
