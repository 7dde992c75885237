// Command license-agent activates a machine against the license server and
// runs the local license sidecar.
//
//	license-agent                 run the sidecar (same as "run")
//	license-agent activate KEY    activate once and exit
//	license-agent status          print the local license verdict
//	license-agent upgrade         renew or upgrade the stored certificate
//	license-agent deactivate      forget the stored certificate
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "license-agent: %v\n", err)
		os.Exit(1)
	}
}
