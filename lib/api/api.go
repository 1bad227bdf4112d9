// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api serves the transfer protocol endpoints over HTTP or HTTPS,
// translating requests into session manager and registry calls.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/thejerf/suture/v4"

	"github.com/landrop/landrop/lib/config"
	"github.com/landrop/landrop/lib/discover"
	"github.com/landrop/landrop/lib/events"
	"github.com/landrop/landrop/lib/protocol"
	"github.com/landrop/landrop/lib/session"
	"github.com/landrop/landrop/lib/tlsutil"
)

// The certificate is ephemeral, but give it a long life anyway so clock
// skew on peers cannot invalidate it mid-run.
const httpsCertLifetimeDays = 820

// How long shutdown waits for in-flight requests before closing their
// connections. A chunk mid-stream fits within this for anything but the
// slowest links.
const shutdownDrainTimeout = 5 * time.Second

type service struct {
	suture.Service

	cfg      config.Options
	device   protocol.DeviceInfo
	sessions *session.Manager
	registry *discover.Registry
	observer Observer
	evLogger *events.Logger

	started      chan string   // signals startup by sending the listener address, for testing only
	startedOnce  chan struct{} // the service has started successfully at least once
	startupErr   error
	listenerAddr net.Addr
}

type Service interface {
	suture.Service
	WaitForStart() error
	Addr() net.Addr
}

func New(cfg config.Options, device protocol.DeviceInfo, sessions *session.Manager, registry *discover.Registry, observer Observer, evLogger *events.Logger) Service {
	if observer == nil {
		observer = AcceptAll{}
	}
	return &service{
		cfg:         cfg,
		device:      device,
		sessions:    sessions,
		registry:    registry,
		observer:    observer,
		evLogger:    evLogger,
		startedOnce: make(chan struct{}),
	}
}

func (s *service) WaitForStart() error {
	<-s.startedOnce
	return s.startupErr
}

// Addr is the bound listener address, valid after WaitForStart.
func (s *service) Addr() net.Addr {
	return s.listenerAddr
}

func (s *service) getListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return nil, err
	}
	if s.cfg.Protocol != protocol.ProtocolHTTPS {
		return listener, nil
	}
	cert, err := tlsutil.NewCertificate(s.cfg.Alias, httpsCertLifetimeDays)
	if err != nil {
		listener.Close()
		return nil, err
	}
	return tls.NewListener(listener, tlsutil.SecureDefaultTLS(cert)), nil
}

func sendJSON(w http.ResponseWriter, jsonObject interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	// Marshalling might fail, in which case we should return a 500 with the
	// actual error.
	bs, err := json.MarshalIndent(jsonObject, "", "  ")
	if err != nil {
		bs, _ = json.Marshal(map[string]string{"error": err.Error()})
		http.Error(w, string(bs), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s\n", bs)
}

func (s *service) Serve(ctx context.Context) error {
	listener, err := s.getListener()
	if err != nil {
		select {
		case <-s.startedOnce:
			l.Warnln("Starting transfer API:", err)
		default:
			// This is during initialization. A failure here is fatal; a
			// node without its HTTP endpoint cannot receive anything.
			s.startupErr = err
			close(s.startedOnce)
		}
		return err
	}

	s.listenerAddr = listener.Addr()
	defer listener.Close()

	restMux := httprouter.New()
	restMux.HandlerFunc(http.MethodGet, protocol.APIPrefix+"/info", s.getInfo)
	restMux.HandlerFunc(http.MethodPost, protocol.APIPrefix+"/register", s.postRegister)
	restMux.HandlerFunc(http.MethodPost, protocol.APIPrefix+"/prepare-upload", s.postPrepareUpload)
	restMux.HandlerFunc(http.MethodPost, protocol.APIPrefix+"/upload", s.postUpload)
	restMux.HandlerFunc(http.MethodPost, protocol.APIPrefix+"/cancel", s.postCancel)
	restMux.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		l.Warnf("Panic serving %s %s: %v", r.Method, r.URL.Path, v)
		sendError(w, http.StatusInternalServerError, "Internal server error")
	}

	mux := http.NewServeMux()
	mux.Handle(protocol.APIPrefix+"/", metricsMiddleware(restMux))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/httpmetrics", getHTTPMetrics)

	srv := http.Server{
		Handler: debugMiddleware(mux),
		// Chunk bodies may stream for minutes; only bound the header wait.
		ReadHeaderTimeout: 10 * time.Second,
		// Prevent the HTTP server from logging stuff on its own. The things we
		// care about we log ourselves from the handlers.
		ErrorLog: log.New(io.Discard, "", 0),
	}

	l.Infoln("Transfer API listening on", listener.Addr())
	if s.started != nil {
		// only set when run by the tests
		select {
		case <-ctx.Done(): // Shouldn't return directly due to cleanup below
		case s.started <- listener.Addr().String():
		}
	}

	// Indicate successful initial startup to interested listeners.
	select {
	case <-s.startedOnce:
	default:
		close(s.startedOnce)
	}

	// Serve in the background

	serveError := make(chan error, 1)
	go func() {
		select {
		case serveError <- srv.Serve(listener):
		case <-ctx.Done():
		}
	}()

	// Wait for stop or error signals

	err = nil
	select {
	case <-ctx.Done():
		l.Debugln("shutting down (stop)")
	case err = <-serveError:
		l.Warnln("Transfer API:", err)
	}
	// Give in-flight chunk uploads a chance to finish before pulling the
	// plug.
	timeout, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()
	if err := srv.Shutdown(timeout); err == timeout.Err() {
		srv.Close()
	}

	return err
}

// Complete implements suture.IsCompletable, which signifies to the supervisor
// whether to stop restarting the service.
func (s *service) Complete() bool {
	select {
	case <-s.startedOnce:
		return s.startupErr != nil
	default:
	}
	return false
}

func (s *service) String() string {
	return fmt.Sprintf("api.service@%p", s)
}

func debugMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		h.ServeHTTP(w, r)

		if shouldDebugHTTP() {
			ms := 1000 * time.Since(t0).Seconds()

			// The variable `w` is most likely a *http.response, which we can't do
			// much with since it's a non exported type. We can however peek into
			// it with reflection to get at the status code and number of bytes
			// written.
			var status, written int64
			if rw := reflect.Indirect(reflect.ValueOf(w)); rw.IsValid() && rw.Kind() == reflect.Struct {
				if rf := rw.FieldByName("status"); rf.IsValid() && rf.Kind() == reflect.Int {
					status = rf.Int()
				}
				if rf := rw.FieldByName("written"); rf.IsValid() && rf.Kind() == reflect.Int64 {
					written = rf.Int()
				}
			}
			l.Debugf("http: %s %q: status %d, %d bytes in %.02f ms", r.Method, r.URL.String(), status, written, ms)
		}
	})
}

func metricsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := metrics.GetOrRegisterTimer(r.URL.Path, nil)
		t0 := time.Now()
		h.ServeHTTP(w, r)
		t.UpdateSince(t0)
	})
}

func getHTTPMetrics(w http.ResponseWriter, _ *http.Request) {
	stats := make(map[string]interface{})
	metrics.Each(func(name string, intf interface{}) {
		if m, ok := intf.(*metrics.StandardTimer); ok {
			pct := m.Percentiles([]float64{0.50, 0.95, 0.99})
			for i := range pct {
				pct[i] /= 1e6 // ns to ms
			}
			stats[name] = map[string]interface{}{
				"count":         m.Count(),
				"sumMs":         m.Sum() / 1e6, // ns to ms
				"ratesPerS":     []float64{m.Rate1(), m.Rate5(), m.Rate15()},
				"percentilesMs": pct,
			}
		}
	})
	bs, _ := json.MarshalIndent(stats, "", "  ")
	w.Write(bs)
}
