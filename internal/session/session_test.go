package session

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/westers/krdp/internal/egfx"
	"github.com/westers/krdp/internal/geometry"
	"github.com/westers/krdp/internal/transport"
)

// pduRecorder drains the client end of the channel, recording cmd IDs.
type pduRecorder struct {
	conn net.Conn

	mu   sync.Mutex
	cmds []uint16
}

func newPDURecorder(conn net.Conn) *pduRecorder {
	r := &pduRecorder{conn: conn}
	go r.loop()
	return r
}

func (r *pduRecorder) loop() {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r.conn, header); err != nil {
			return
		}
		h, err := egfx.DecodeHeader(header)
		if err != nil {
			return
		}
		body := make([]byte, h.PDULength-8)
		if _, err := io.ReadFull(r.conn, body); err != nil {
			return
		}
		r.mu.Lock()
		r.cmds = append(r.cmds, h.CmdID)
		r.mu.Unlock()
	}
}

func (r *pduRecorder) count(cmdID uint16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.cmds {
		if c == cmdID {
			n++
		}
	}
	return n
}

func (r *pduRecorder) waitCount(t *testing.T, cmdID uint16, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.count(cmdID) >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d PDU(s) 0x%04x, have %d", want, cmdID, r.count(cmdID))
}

// TestSessionPairAndSubmit runs the whole path: caps negotiation over the
// channel, an encoded packet over the capture IPC, one GFX frame out.
func TestSessionPairAndSubmit(t *testing.T) {
	dir := t.TempDir()

	serverConn, clientConn := net.Pipe()
	sess := New(transport.NewTCPChannel(serverConn), Options{
		PreferredCodec: egfx.CodecAVC420,
		InitialSize:    geometry.Size{Width: 1920, Height: 1080},
		PacketSocket:   filepath.Join(dir, "video.sock"),
		MetadataSocket: filepath.Join(dir, "meta.sock"),
	})

	recorder := newPDURecorder(clientConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sess.Close()

	// Client advertises caps; server confirms.
	if _, err := clientConn.Write(egfx.EncodeCapsAdvertise([]egfx.CapSet{{Version: egfx.CapVersion107}})); err != nil {
		t.Fatalf("caps write failed: %v", err)
	}
	recorder.waitCount(t, egfx.CmdCapsConfirm, 1)

	// The capture pipeline connects and delivers one key frame.
	pktConn, err := net.Dial("unix", filepath.Join(dir, "video.sock"))
	if err != nil {
		t.Fatalf("capture dial failed: %v", err)
	}
	defer pktConn.Close()

	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x65} // IDR-ish
	header := make([]byte, 13)
	header[0] = 0x01 // key frame
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(payload)))
	if _, err := pktConn.Write(append(header, payload...)); err != nil {
		t.Fatalf("packet write failed: %v", err)
	}

	// First frame: reset preamble plus the frame envelope.
	recorder.waitCount(t, egfx.CmdResetGraphics, 1)
	recorder.waitCount(t, egfx.CmdCreateSurface, 1)
	recorder.waitCount(t, egfx.CmdMapSurfaceToOutput, 1)
	recorder.waitCount(t, egfx.CmdStartFrame, 1)
	recorder.waitCount(t, egfx.CmdWireToSurface1, 1)
	recorder.waitCount(t, egfx.CmdEndFrame, 1)
}

// TestSessionClosesOnClientDisconnect verifies Done fires when the channel
// drops.
func TestSessionClosesOnClientDisconnect(t *testing.T) {
	dir := t.TempDir()

	serverConn, clientConn := net.Pipe()
	sess := New(transport.NewTCPChannel(serverConn), Options{
		PreferredCodec: egfx.CodecAVC420,
		InitialSize:    geometry.Size{Width: 640, Height: 480},
		PacketSocket:   filepath.Join(dir, "video.sock"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sess.Close()

	clientConn.Close()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe the disconnect")
	}
}
