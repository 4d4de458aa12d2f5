package conn

import (
	"context"
	"log/slog"

	"github.com/hexradio/lrtp/internal"
)

func (c *Conn) logenabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || (c.log != nil && c.log.Handler().Enabled(context.Background(), lvl))
}

func (c *Conn) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(c.log, lvl, msg, attrs...)
}

func (c *Conn) trace(msg string, attrs ...slog.Attr) {
	c.logattrs(internal.LevelTrace, msg, attrs...)
}

func (c *Conn) debug(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelDebug, msg, attrs...)
}

func (c *Conn) warn(msg string, attrs ...slog.Attr) {
	c.logattrs(slog.LevelWarn, msg, attrs...)
}

func (c *Conn) traceState(msg string) {
	if c.logenabled(internal.LevelTrace) {
		c.trace(msg,
			slog.String("id", c.id.String()),
			slog.String("state", c.state.String()),
			slog.Uint64("remote", uint64(c.remote)),
			slog.Uint64("seqBase", uint64(c.seqBase)),
			slog.Uint64("curSeq", uint64(c.currentSeqNum)),
			slog.Uint64("nextAck", uint64(c.nextAckNum)),
			slog.Int("winCount", c.window.Count()),
		)
	}
}
