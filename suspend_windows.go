package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/keshucs12345/dialogturn/internal/chat"
)

// notifySuspend does nothing: there is no job control to hook.
func notifySuspend(context.Context, *chat.App, zerolog.Logger) {}
