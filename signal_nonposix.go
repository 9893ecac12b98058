//go:build !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd && !solaris
// +build !darwin,!dragonfly,!freebsd,!linux,!netbsd,!openbsd,!solaris

package minos

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/foxcpp/minos/framework/log"
	"github.com/foxcpp/minos/internal/endpoint/ctl"
	"github.com/foxcpp/minos/internal/endpoint/milter"
)

const gracefulTimeout = 5 * time.Minute

// handleSignals blocks until the process should stop. Without POSIX
// signals only os.Interrupt and control channel requests are usable.
func handleSignals() {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt)

	for {
		select {
		case s := <-sig:
			go func() {
				s := <-sig
				log.Printf("forced shutdown due to signal (%v)!", s)
				os.Exit(1)
			}()

			log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
			return
		case op := <-ctl.Ops():
			switch op {
			case ctl.OpGraceful:
				log.Printf("graceful stop requested, waiting for active milter connections")
				ctx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
				if err := milter.WaitIdle(ctx); err != nil {
					log.Printf("continuing shutdown with connections still active: %v", err)
				}
				cancel()
				return
			case ctl.OpShutdown:
				log.Printf("shutdown requested over control channel")
				return
			}
		}
	}
}
