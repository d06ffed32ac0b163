// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package services

import (
	"fmt"
	"strings"

	"github.com/euhmeuh/fxpq/broker"
	"github.com/euhmeuh/fxpq/types/logger"
)

// LoggingService logs every event its broker emits.
type LoggingService struct {
	Logf logger.Logf // or nil to discard
}

// Subscribe implements app.Service.
func (l *LoggingService) Subscribe(b *broker.Broker) {
	logf := logger.OrDiscard(l.Logf)
	b.OnAny(func(_ *broker.Broker, name string, args ...any) {
		logf("[event %s] %s", name, formatArgs(args))
	})
}

func formatArgs(args []any) string {
	var sb strings.Builder
	for i, a := range args {
		if i > 0 {
			sb.WriteByte(',')
		}
		switch a := a.(type) {
		case broker.Connection:
			sb.WriteString(a.Addr())
		case Dimension:
			fmt.Fprintf(&sb, "%s(%s)", a.Name, a.ID)
		default:
			fmt.Fprint(&sb, a)
		}
	}
	return sb.String()
}
