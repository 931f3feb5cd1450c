package logging

import (
	"bytes"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter wraps slog as an io.Writer so that stdlib log output (the
// net/http server error log, third-party packages) flows through the
// structured logging system. "[CATEGORY] message" and "http: message"
// prefixes become the structured "component" field.
type BridgeWriter struct {
	logger    *slog.Logger
	component string
}

// NewBridgeWriter creates a writer that forwards writes to slog.
// The defaultComponent is used when no prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{
		logger:    Logger(),
		component: defaultComponent,
	}
}

// NewStdLogger returns a *log.Logger that writes through a BridgeWriter,
// for APIs such as http.Server.ErrorLog that only accept the stdlib type.
func NewStdLogger(defaultComponent string) *log.Logger {
	return log.New(NewBridgeWriter(defaultComponent), "", 0)
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}

	msg = stripLogTimestamp(msg)

	component := bw.component
	switch {
	case strings.HasPrefix(msg, "["):
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	case strings.HasPrefix(msg, "http: "):
		component = "http"
		msg = strings.TrimPrefix(msg, "http: ")
	}

	component = canonicalComponent(component)

	bw.logger.Warn(msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp removes the time prefix added by log.SetFlags(log.Ltime|log.Lmicroseconds).
func stripLogTimestamp(s string) string {
	// "15:04:05.000000 "
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	// "15:04:05 "
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

// canonicalComponent maps known log prefixes to canonical component names.
func canonicalComponent(cat string) string {
	switch cat {
	case "http", "ws", "websocket", "web":
		return CompWeb
	case "sqlite", "statedb", "storage":
		return CompStorage
	case "pty", "exec", "process":
		return CompPTY
	case "bus", "envelope":
		return CompBus
	case "watchdog", "recovery":
		return CompRecovery
	case "fsnotify", "config":
		return CompConfig
	default:
		return cat
	}
}
