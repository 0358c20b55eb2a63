package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/hive-worker/cmd/hive-worker/starter"
	"github.com/livepeer/hive-worker/core"
)

func main() {
	flag.Set("logtostderr", "true")
	flag.CommandLine.SetOutput(os.Stdout)

	version := flag.Bool("version", false, "Print out the version")
	cfg := starter.NewHiveConfig(flag.CommandLine)
	if err := starter.ParseConfig(flag.CommandLine, os.Args[1:]); err != nil {
		glog.Exit("Error parsing config: ", err)
	}

	if *version {
		fmt.Println("hive-worker Version: " + core.AgentVersion)
		return
	}

	glog.Infof("Configuration:")
	cfg.PrintConfig(os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	lc := make(chan struct{})
	go func() {
		starter.StartHiveWorker(ctx, cfg)
		close(lc)
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-c:
		glog.Infof("Exiting hive-worker: %v", sig)
		cancel()
		select {
		case <-lc:
		case <-time.After(5 * time.Second):
		}
	case <-lc:
		cancel()
	}
}
