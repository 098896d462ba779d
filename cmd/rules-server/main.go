// Package main provides the rule registry server and its maintenance
// commands.
package main

import (
	"flag"
	"os"
)

var version = "dev"

func main() {
	// glog writes fatal start-up errors to stderr.
	_ = flag.Set("logtostderr", "true")

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
