// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// pnsupd is the supervisory controller daemon. It takes exactly one
// argument, the configuration file path; every tunable lives there.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rob-gra/go-pnio/supervisor"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.yaml>\n", os.Args[0])
		os.Exit(2)
	}

	cfg, err := supervisor.Load(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "pnsupd: %v\n", err)
		os.Exit(1)
	}

	ctrl, err := supervisor.New(cfg, supervisor.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pnsupd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// discover the segment, then bring every configured station up;
	// failures are printed to stderr and are not retried here
	go func() {
		bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := ctrl.Discover(bootCtx); err != nil {
			fmt.Fprintf(os.Stderr, "pnsupd: discovery: %v\n", err)
		}
		for _, r := range cfg.RTUs {
			if err := ctrl.ConnectStation(bootCtx, r.StationName); err != nil {
				fmt.Fprintf(os.Stderr, "pnsupd: connect %s: %v\n", r.StationName, err)
			}
		}
	}()

	if err := ctrl.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pnsupd: %v\n", err)
		os.Exit(1)
	}
}
