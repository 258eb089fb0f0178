package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tagcal/internal/codec"
	appLog "tagcal/internal/log"
)

// Firmware command opcodes written to the command characteristic.
const (
	opAnnounce = 0x01
	opSize     = 0x02
	opStart    = 0x03
)

// A part request notification is [0x05 0x00 u32le part].
const (
	requestMarker  = 0x05
	requestMinLen  = 6
	announceAckLen = 3
)

// notifyBuffer bounds the notification queue. The firmware sends one
// request per chunk written, so anything beyond a few is stale noise
// from a previous step.
const notifyBuffer = 32

// SessionConfig carries the transfer deadlines. TotalTimeout bounds the
// whole connect-announce-stream cycle; ChunkTimeout bounds each single
// wait for a peripheral response.
type SessionConfig struct {
	ConnectTimeout time.Duration
	ChunkTimeout   time.Duration
	TotalTimeout   time.Duration
}

// Session runs one image transfer against one peripheral. A Session is
// single-use per Transfer call; the retry supervisor builds a fresh
// attempt on top of the same value.
type Session struct {
	cfg SessionConfig
}

// NewSession returns a session with the given deadlines.
func NewSession(cfg SessionConfig) *Session {
	return &Session{cfg: cfg}
}

// link is the resolved per-attempt connection state.
type link struct {
	conn         Connection
	cmd          Characteristic
	img          Characteristic
	notifs       chan []byte
	disconnected chan struct{}

	closeOnce sync.Once
	downOnce  sync.Once
}

func (l *link) markDisconnected() {
	l.downOnce.Do(func() { close(l.disconnected) })
}

// teardown is idempotent; it runs on every exit path and again from
// deferred cleanup without double-closing anything.
func (l *link) teardown() {
	l.closeOnce.Do(func() {
		if l.cmd != nil {
			if err := l.cmd.Unsubscribe(); err != nil {
				appLog.Debug("unsubscribe failed", "error", err)
			}
		}
		if err := l.conn.Disconnect(); err != nil {
			appLog.Debug("disconnect failed", "error", err)
		}
	})
}

// Transfer pushes an encoded image to the peripheral at address and
// returns once the firmware signals completion. On any failure the
// connection is torn down before returning; the peripheral keeps its
// previous image until a full transfer succeeds.
func (s *Session) Transfer(ctx context.Context, adapter Adapter, address string, img *codec.EncodedImage) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TotalTimeout)
	defer cancel()

	l, err := s.open(ctx, adapter, address)
	if err != nil {
		return err
	}
	defer l.teardown()

	if err := s.announce(ctx, l, img.TotalBytes); err != nil {
		return err
	}
	return s.stream(ctx, l, img.Chunks)
}

// Probe connects, verifies the vendor service shape and disconnects.
// Operator tooling for checking a tag without pushing an image.
func (s *Session) Probe(ctx context.Context, adapter Adapter, address string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TotalTimeout)
	defer cancel()

	l, err := s.open(ctx, adapter, address)
	if err != nil {
		return err
	}
	l.teardown()
	return nil
}

// open connects and resolves the two vendor characteristics. The
// firmware exposes them under the 0000f service: ordered by 16-bit
// UUID, the first is command (write+notify) and the second is image
// data (write).
func (s *Session) open(ctx context.Context, adapter Adapter, address string) (*link, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := adapter.Connect(connectCtx, address)
	if err != nil {
		return nil, err
	}
	appLog.Debug("connected", "address", address)

	l := &link{
		conn:         conn,
		notifs:       make(chan []byte, notifyBuffer),
		disconnected: make(chan struct{}),
	}
	conn.OnDisconnect(l.markDisconnected)

	refs, err := conn.DiscoverByPrefix(VendorServicePrefix)
	if err != nil {
		l.teardown()
		return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
	}
	if len(refs) < 2 {
		l.teardown()
		return nil, fmt.Errorf("%w: found %d vendor characteristics, need 2", ErrProtocolMismatch, len(refs))
	}

	sort.Slice(refs, func(i, j int) bool {
		return shortUUID(refs[i].UUID) < shortUUID(refs[j].UUID)
	})
	l.cmd = refs[0].Char
	l.img = refs[1].Char
	appLog.Debug("vendor characteristics resolved",
		"cmd", shortUUID(refs[0].UUID),
		"img", shortUUID(refs[1].UUID),
	)

	if err := l.cmd.Subscribe(func(data []byte) {
		select {
		case l.notifs <- data:
		default:
			appLog.Warn("notification dropped, queue full", "len", len(data))
		}
	}); err != nil {
		l.teardown()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrProtocolMismatch, err)
	}

	return l, nil
}

// announce runs the three-step handshake: hello, total size, start.
// The start acknowledgment doubles as the request for part 0; it is
// pushed back onto the queue for the streaming loop to consume.
func (s *Session) announce(ctx context.Context, l *link, totalBytes int) error {
	drain(l.notifs)
	if err := l.cmd.Write([]byte{opAnnounce}); err != nil {
		return writeErr(l, err)
	}
	resp, err := s.await(ctx, l)
	if err != nil {
		return err
	}
	if len(resp) < announceAckLen || resp[0] != opAnnounce || resp[1] != 0xF4 || resp[2] != 0x00 {
		return fmt.Errorf("%w: announce answered % x", ErrRejected, resp)
	}

	size := make([]byte, 8)
	size[0] = opSize
	binary.LittleEndian.PutUint32(size[1:5], uint32(totalBytes))
	if err := l.cmd.Write(size); err != nil {
		return writeErr(l, err)
	}
	resp, err = s.await(ctx, l)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != opSize {
		return fmt.Errorf("%w: size announcement answered % x", ErrRejected, resp)
	}

	if err := l.cmd.Write([]byte{opStart}); err != nil {
		return writeErr(l, err)
	}
	resp, err = s.await(ctx, l)
	if err != nil {
		return err
	}
	if _, ok := parseRequest(resp); !ok {
		return fmt.Errorf("%w: start answered % x", ErrRejected, resp)
	}
	l.notifs <- resp
	appLog.Debug("transfer accepted", "totalBytes", totalBytes)
	return nil
}

// stream is driven by the peripheral: each part request notification
// names the chunk to send next, and the index must advance one at a
// time. The first non-request notification decides the outcome; after
// the final chunk it is completion, any earlier it is rejection.
func (s *Session) stream(ctx context.Context, l *link, chunks []codec.Chunk) error {
	sent := 0
	for {
		resp, err := s.await(ctx, l)
		if err != nil {
			return err
		}

		part, ok := parseRequest(resp)
		if !ok {
			if sent == len(chunks) {
				appLog.Debug("transfer complete", "chunks", sent)
				return nil
			}
			return fmt.Errorf("%w: aborted after %d of %d chunks with % x", ErrRejected, sent, len(chunks), resp)
		}

		if sent == len(chunks) {
			return fmt.Errorf("%w: requested part %d past end of image", ErrRejected, part)
		}
		if int(part) != sent {
			return fmt.Errorf("%w: requested part %d, expected %d", ErrRejected, part, sent)
		}

		if err := l.img.Write(chunks[sent].WirePacket()); err != nil {
			return writeErr(l, err)
		}
		sent++
	}
}

// await waits for one command notification under the per-step timeout
// and the overall deadline.
func (s *Session) await(ctx context.Context, l *link) ([]byte, error) {
	timer := time.NewTimer(s.cfg.ChunkTimeout)
	defer timer.Stop()

	select {
	case data := <-l.notifs:
		return data, nil
	case <-l.disconnected:
		return nil, ErrDisconnected
	case <-timer.C:
		return nil, fmt.Errorf("%w: no response within %s", ErrTimeout, s.cfg.ChunkTimeout)
	case <-ctx.Done():
		// Caller cancellation is not a device fault; only an expired
		// deadline counts as a timeout.
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func writeErr(l *link, err error) error {
	select {
	case <-l.disconnected:
		return ErrDisconnected
	default:
	}
	return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
}

// drain discards stale notifications left over from a previous step.
func drain(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// parseRequest decodes a part request notification.
func parseRequest(data []byte) (part uint32, ok bool) {
	if len(data) < requestMinLen || data[0] != requestMarker || data[1] != 0x00 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data[2:6]), true
}

// shortUUID extracts the 16-bit id from a 128-bit UUID string, the
// hex digits at positions 4 through 7.
func shortUUID(uuid string) string {
	if len(uuid) >= 8 {
		return uuid[4:8]
	}
	return uuid
}
