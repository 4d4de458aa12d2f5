package conn

import "github.com/hexradio/lrtp/frame"

// windowEntry is one outstanding framed packet in the send window. Its
// payload storage aliases a slot in the window's arena (spec §3: "Packet
// payload buffers are owned by the window entry; they are released when
// the entry is acknowledged and removed" / §9 packet-pool design note: "a
// per-connection arena of W slots of MAX_PAYLOAD to eliminate per-packet
// heap churn").
type windowEntry struct {
	seq     uint8
	payload []byte
	slot    int
}

// sendWindow is a fixed-capacity ring of up to W outstanding frame records,
// backed by a single per-connection arena so in-flight payloads never
// trigger a heap allocation on the hot path.
type sendWindow struct {
	entries []windowEntry
	arena   []byte
	free    []int
	w       int
}

func newSendWindow(w int) *sendWindow {
	if w <= 0 {
		w = 1
	}
	sw := &sendWindow{
		entries: make([]windowEntry, 0, w),
		arena:   make([]byte, w*frame.MaxPayload),
		free:    make([]int, w),
		w:       w,
	}
	for i := range sw.free {
		sw.free[i] = w - 1 - i
	}
	return sw
}

func (sw *sendWindow) slot(i int) []byte {
	return sw.arena[i*frame.MaxPayload : (i+1)*frame.MaxPayload]
}

// Count returns the number of outstanding (framed, unacknowledged) entries.
func (sw *sendWindow) Count() int { return len(sw.entries) }

// Full reports whether the window already holds W outstanding entries.
func (sw *sendWindow) Full() bool { return len(sw.entries) >= sw.w }

// At returns the entry at logical index i (0 = oldest / seqBase-adjacent).
func (sw *sendWindow) At(i int) (windowEntry, bool) {
	if i < 0 || i >= len(sw.entries) {
		return windowEntry{}, false
	}
	return sw.entries[i], true
}

// Reserve acquires a free arena slot for a new window entry, returning a
// capacity-frame.MaxPayload destination slice for the caller to fill
// in-place (e.g. via a ring-buffer Read) before calling Commit. Avoids a
// staging allocation on the send path.
func (sw *sendWindow) Reserve() (slotIdx int, dst []byte, ok bool) {
	if sw.Full() || len(sw.free) == 0 {
		return 0, nil, false
	}
	slotIdx = sw.free[len(sw.free)-1]
	return slotIdx, sw.slot(slotIdx), true
}

// Commit finalizes a Reserve call: slotIdx's first n bytes become the new
// entry's payload, tagged with seq.
func (sw *sendWindow) Commit(slotIdx int, seq uint8, n int) windowEntry {
	sw.free = sw.free[:len(sw.free)-1]
	e := windowEntry{seq: seq, payload: sw.slot(slotIdx)[:n], slot: slotIdx}
	sw.entries = append(sw.entries, e)
	return e
}

// ReleaseThrough removes and frees the oldest count entries (a cumulative
// ACK releasing every window slot strictly before the new seqBase).
func (sw *sendWindow) ReleaseThrough(count int) {
	if count <= 0 {
		return
	}
	if count > len(sw.entries) {
		count = len(sw.entries)
	}
	for i := 0; i < count; i++ {
		sw.free = append(sw.free, sw.entries[i].slot)
	}
	sw.entries = append(sw.entries[:0], sw.entries[count:]...)
}

// Reset releases every outstanding entry back to the free pool, used when a
// connection aborts or is recycled.
func (sw *sendWindow) Reset() {
	for _, e := range sw.entries {
		sw.free = append(sw.free, e.slot)
	}
	sw.entries = sw.entries[:0]
}
