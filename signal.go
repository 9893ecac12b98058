//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package minos

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxcpp/minos/framework/hooks"
	"github.com/foxcpp/minos/framework/log"
	"github.com/foxcpp/minos/internal/endpoint/ctl"
	"github.com/foxcpp/minos/internal/endpoint/milter"
)

// How long a graceful stop waits for established milter connections
// before giving up and exiting anyway.
const gracefulTimeout = 5 * time.Minute

// handleSignals blocks until the process should stop, either because of
// an OS signal or a request over the control channel.
//
// SIGUSR1 (log rotation), SIGUSR2 (TLS material reload) and SIGHUP
// (configuration reload) are handled in place without returning.
func handleSignals() {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case s := <-sig:
			switch s {
			case syscall.SIGUSR1:
				log.Printf("SIGUSR1 received, reopening log outputs")
				hooks.RunHooks(hooks.EventLogRotate)
			case syscall.SIGUSR2:
				log.Printf("SIGUSR2 received, reloading state")
				hooks.RunHooks(hooks.EventReload)
			case syscall.SIGHUP:
				log.Printf("SIGHUP received, reloading configuration")
				systemdStatus(SDReloading, "Reloading configuration...")
				reloadAuth()
				systemdStatus(SDReady, "Listening for incoming connections...")
			default:
				go func() {
					s := <-sig
					log.Printf("forced shutdown due to signal (%v)!", s)
					os.Exit(1)
				}()

				log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
				return
			}
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
