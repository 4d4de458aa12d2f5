package host

import (
	"log/slog"

	"github.com/hexradio/lrtp/internal"
)

func (h *Host) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(h.log, slog.LevelDebug, msg, attrs...)
}

func (h *Host) warn(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(h.log, slog.LevelWarn, msg, attrs...)
}
