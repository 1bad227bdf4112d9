// Copyright (C) 2024 The Landrop Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command landrop is a LocalSend node for the command line. It receives
// files into a directory ("landrop serve") and sends files to other
// devices on the same network ("landrop send").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/landrop/landrop/lib/build"
	"github.com/landrop/landrop/lib/config"
	"github.com/landrop/landrop/lib/events"
	"github.com/landrop/landrop/lib/node"
	"github.com/landrop/landrop/lib/protocol"
	"github.com/landrop/landrop/lib/svcutil"

	_ "github.com/landrop/landrop/lib/automaxprocs"
)

type CLI struct {
	Alias        string           `help:"Device alias shown to peers (default: hostname)" env:"LANDROP_ALIAS"`
	Port         int              `help:"Port for the transfer API, also announced to peers" default:"53317" env:"LANDROP_PORT"`
	Protocol     string           `help:"Scheme peers should use to reach us" enum:"http,https" default:"http" env:"LANDROP_PROTOCOL"`
	DeviceType   string           `help:"Device type shown to peers (default: inferred)" enum:",mobile,desktop,web,headless,server" default:"" env:"LANDROP_DEVICE_TYPE"`
	NoMulticast  bool             `help:"Do not announce or listen on multicast"`
	NoScan       bool             `help:"Do not probe local subnets for peers"`
	ScanInterval time.Duration    `help:"Time between subnet scans" default:"30s"`
	Version      kong.VersionFlag `help:"Print version and exit"`

	Serve serveCommand `cmd:"" help:"Receive files from peers"`
	Send  sendCommand  `cmd:"" help:"Send files to a peer"`
}

type serveCommand struct {
	SaveDir string `help:"Directory received files are written to" default:"./received_files" env:"LANDROP_SAVE_DIR"`
	Pin     string `help:"Require this PIN from senders" env:"LANDROP_PIN"`
}

type sendCommand struct {
	To      string        `help:"Receiver as ip:port, bare IP, or fingerprint prefix" required:"1"`
	Pin     string        `help:"PIN to present to the receiver" env:"LANDROP_PIN"`
	Timeout time.Duration `help:"Give up resolving the receiver after this long" default:"30s"`
	Files   []string      `arg:"" required:"1" name:"file" help:"Files to send" type:"existingfile"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("landrop"),
		kong.Description("Share files with LocalSend devices on the local network."),
		kong.Vars{"version": build.LongVersion},
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

// options translates the shared flags into node options. Validation
// happens in node.New, with everything else it might object to.
func (c *CLI) options() config.Options {
	alias := c.Alias
	if alias == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			alias = host
		} else {
			alias = "landrop"
		}
	}
	cfg := config.New(alias)
	cfg.Port = c.Port
	cfg.Protocol = protocol.Protocol(c.Protocol)
	if c.DeviceType != "" {
		cfg.DeviceType = protocol.DeviceType(c.DeviceType)
	}
	cfg.MulticastEnabled = !c.NoMulticast
	cfg.ScanEnabled = !c.NoScan
	cfg.ScanInterval = c.ScanInterval
	return cfg
}

func (c *serveCommand) Run(root *CLI) error {
	cfg := root.options()
	cfg.SaveDirectory = c.SaveDir
	cfg.PIN = c.Pin

	evLogger := events.NewLogger()
	sub := evLogger.Subscribe(events.PeerDiscovered | events.Failure)
	go printEvents(sub)

	app, err := node.New(cfg, nil, evLogger)
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}
	l.Infoln("Receiving files into", cfg.SaveDirectory)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stop
		l.Infoln("Received signal", sig, "- shutting down")
		app.Stop(svcutil.ExitSuccess)
	}()

	status := app.Wait()
	if err := app.Error(); err != nil {
		return err
	}
	if status != svcutil.ExitSuccess {
		return fmt.Errorf("exit status %d", status.AsInt())
	}
	return nil
}

func (c *sendCommand) Run(root *CLI) error {
	cfg := root.options()

	app, err := node.New(cfg, nil, nil)
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}
	defer app.Stop(svcutil.ExitSuccess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	// The timeout covers finding the receiver; the uploads themselves may
	// take as long as they take.
	resolveCtx, resolveCancel := context.WithTimeout(ctx, c.Timeout)
	target, err := app.ResolveTarget(resolveCtx, c.To)
	resolveCancel()
	if err != nil {
		return err
	}

	fmt.Printf("Sending %d file(s) to %s\n", len(c.Files), target)
	if err := app.Send(ctx, target, c.Files, c.Pin, consoleProgress(os.Stdout)); err != nil {
		return err
	}
	fmt.Println("Done")
	return nil
}

func printEvents(sub *events.Subscription) {
	// Sightings repeat on every announcement and scan round; only news
	// makes it to the console.
	seen := make(map[string]string)
	for ev := range sub.C() {
		switch ev.Type {
		case events.PeerDiscovered:
			data, ok := ev.Data.(map[string]interface{})
			if !ok {
				continue
			}
			fp, _ := data["fingerprint"].(string)
			addr, _ := data["address"].(string)
			if seen[fp] == addr {
				continue
			}
			seen[fp] = addr
			fmt.Printf("Discovered %q at %s via %s\n", data["alias"], addr, data["source"])
		case events.Failure:
			l.Warnln("Failure:", ev.Data)
		}
	}
}
