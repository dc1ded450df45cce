// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// A daemon that exports a host directory to a FUSE peer, such as a virtual
// machine's file system driver connected through a unix socket, or the
// kernel through an already-opened fuse device.
package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/passthroughfs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

var fSocketPath = pflag.String("socket-path", "", "Listen for the peer on this unix socket.")
var fDeviceFd = pflag.Int("fd", -1, "Serve an already-opened fuse device on this descriptor.")

var fSource = pflag.String("source", "/", "The directory to export.")
var fCache = pflag.String("cache", "auto", "Cache policy: none, auto or always.")
var fTimeout = pflag.Duration("timeout", 0, "Entry and attribute timeout, overriding the cache policy's.")
var fXattr = pflag.Bool("xattr", false, "Serve extended attributes.")
var fFlock = pflag.Bool("flock", false, "Offer flock(2) locks.")
var fWriteback = pflag.Bool("writeback", false, "Offer the peer's write-back cache.")
var fReaddirplus = pflag.Bool("readdirplus", false, "Always offer directory listings with attributes.")
var fNoReaddirplus = pflag.Bool("no-readdirplus", false, "Never offer directory listings with attributes.")
var fNoRace = pflag.Bool("norace", false, "Refuse symlink operations that cannot be done without races.")
var fSwitchCreds = pflag.Bool("switch-credentials", false, "Create files as the requesting user.")
var fMaxHandles = pflag.Int("max-handles", 0, "Limit on live inodes, and on open files and directories each.")

var fWorkers = pflag.Int("workers", 0, "Requests served concurrently.")
var fMaxWrite = pflag.Uint32("max-write", 0, "Largest write accepted, in bytes.")
var fDenyOthers = pflag.Bool("deny-others", false, "Refuse requests from users other than this one and root.")
var fWindowSize = pflag.Int("cache-window-size", 0, "Size in bytes of the shared memory window for file mappings.")

var fMetricsAddress = pflag.String("metrics-address", "", "Serve Prometheus metrics on this address.")
var fLogLevel = pflag.String("log-level", "info", "Log level.")
var fDebug = pflag.Bool("debug", false, "Log every request and reply.")

func makeConfig(logger *logrus.Logger) (cfg passthroughfs.Config, err error) {
	cfg.Source = *fSource

	if cfg.Cache, err = passthroughfs.ParseCachePolicy(*fCache); err != nil {
		return
	}

	if pflag.CommandLine.Changed("timeout") {
		timeout := *fTimeout
		cfg.Timeout = &timeout
	}

	switch {
	case *fReaddirplus && *fNoReaddirplus:
		err = fmt.Errorf("--readdirplus and --no-readdirplus are exclusive")
		return

	case *fReaddirplus:
		cfg.Readdirplus = passthroughfs.ReaddirplusOn

	case *fNoReaddirplus:
		cfg.Readdirplus = passthroughfs.ReaddirplusOff
	}

	cfg.Xattr = *fXattr
	cfg.Flock = *fFlock
	cfg.Writeback = *fWriteback
	cfg.NoRace = *fNoRace
	cfg.SwitchCredentials = *fSwitchCreds
	cfg.MaxHandles = *fMaxHandles
	cfg.ErrorLogger = log.New(logger.WriterLevel(logrus.ErrorLevel), "", 0)

	return
}

// Serve one peer until it goes away.
func serve(
	logger *logrus.Logger,
	transport fuse.Transport,
	cfg passthroughfs.Config) (err error) {
	server, err := passthroughfs.NewServer(cfg)
	if err != nil {
		err = fmt.Errorf("NewServer: %v", err)
		return
	}

	mountCfg := &fuse.MountConfig{
		ErrorLogger: log.New(logger.WriterLevel(logrus.ErrorLevel), "fuse: ", 0),
		DenyOthers:  *fDenyOthers,
		OwnerUid:    uint32(os.Getuid()),
		MaxWrite:    *fMaxWrite,
		AllowReinit: true,
		Workers:     *fWorkers,
	}

	if *fDebug {
		mountCfg.DebugLogger = log.New(logger.WriterLevel(logrus.DebugLevel), "fuse: ", 0)
	}

	mfs, err := fuse.Serve(transport, server, mountCfg)
	if err != nil {
		err = fmt.Errorf("Serve: %v", err)
		return
	}

	err = mfs.Join(context.Background())
	return
}

func main() {
	pflag.Parse()

	logger := logrus.New()
	level, err := logrus.ParseLevel(*fLogLevel)
	if err != nil {
		logger.Fatalf("--log-level: %v", err)
	}

	logger.SetLevel(level)
	if *fDebug {
		logger.SetLevel(logrus.DebugLevel)
	}

	if (*fSocketPath == "") == (*fDeviceFd < 0) {
		logger.Fatal("You must set exactly one of --socket-path and --fd.")
	}

	cfg, err := makeConfig(logger)
	if err != nil {
		logger.Fatalf("makeConfig: %v", err)
	}

	if *fWindowSize > 0 {
		m, err := fuse.NewWindowMapper(*fWindowSize)
		if err != nil {
			logger.Fatalf("NewWindowMapper: %v", err)
		}

		defer m.Close()
		cfg.Mapper = m
	}

	// Modes requested by the peer have already had its umask applied.
	unix.Umask(0)

	if *fMetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Fatal(http.ListenAndServe(*fMetricsAddress, mux))
		}()
	}

	entry := logger.WithFields(logrus.Fields{
		"source": cfg.Source,
		"cache":  cfg.Cache,
	})

	if *fDeviceFd >= 0 {
		dev := os.NewFile(uintptr(*fDeviceFd), "fuse device")
		entry.WithField("fd", *fDeviceFd).Info("Serving fuse device")

		if err = serve(logger, fuse.NewDeviceTransport(dev), cfg); err != nil {
			logger.Fatalf("serve: %v", err)
		}

		return
	}

	os.Remove(*fSocketPath)
	l, err := net.Listen("unix", *fSocketPath)
	if err != nil {
		logger.Fatalf("Listen: %v", err)
	}

	defer l.Close()

	// Peers are served one at a time; a peer that reconnects starts afresh.
	for {
		entry.WithField("socket", *fSocketPath).Info("Waiting for a peer")

		conn, err := l.Accept()
		if err != nil {
			logger.Fatalf("Accept: %v", err)
		}

		err = serve(logger, fuse.NewStreamTransport(conn), cfg)
		if err != nil {
			entry.WithError(err).Error("Session ended")
			continue
		}

		entry.Info("Session ended")
	}
}
