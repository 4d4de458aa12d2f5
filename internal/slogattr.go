package internal

import (
	"log/slog"

	"github.com/hexradio/lrtp"
)

// SlogAddr returns a slog.Attr for an LRTP address packed into a uint64
// without allocating a string, the same non-allocating-log tradeoff the
// teacher's SlogAddr4/SlogAddr6 made for IPv4 and MAC addresses.
func SlogAddr(key string, addr lrtp.Address) slog.Attr {
	return slog.Uint64(key, uint64(addr))
}
