//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/chat"
)

// notifySuspend stops the session and pauses media on Ctrl+Z, then lets the
// shell suspend the process as usual.
func notifySuspend(ctx context.Context, app *chat.App, logger zerolog.Logger) {
	stop := make(chan os.Signal, 1)
	cont := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTSTP)
	signal.Notify(cont, syscall.SIGCONT)
	go func() {
		defer signal.Stop(stop)
		defer signal.Stop(cont)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
			}
			select {
			case <-app.Suspend():
			case <-ctx.Done():
				return
			}
			logger.Debug().Msg("suspending")
			select {
			case <-cont:
			default:
			}
			signal.Reset(syscall.SIGTSTP)
			if err := syscall.Kill(syscall.Getpid(), syscall.SIGTSTP); err != nil {
				logger.Warn().Err(err).Msg("suspend failed")
			}
			select {
			case <-cont:
			case <-ctx.Done():
				return
			}
			signal.Notify(stop, syscall.SIGTSTP)
		}
	}()
}
