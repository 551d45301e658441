// Command testplatform discovers test plugins, runs their self-tests and
// executes Go or Lua scripts that drive them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(newApp(os.Stdout, os.Stderr)).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
