package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/westers/krdp/internal/geometry"
	"github.com/westers/krdp/internal/util"
)

// Packet IPC framing: Flags(1) + PTS(8) + Length(4), little endian.
const packetHeaderSize = 13

const flagKeyFrame = 0x01

// MaxPacketSize bounds a single encoded packet read from the socket.
const MaxPacketSize = 16 * 1024 * 1024

// metadataRecord is the wire form of a FrameMetadata on the side channel.
// Fields are pointers so absence survives the round trip.
type metadataRecord struct {
	Width    *int     `msgpack:"w,omitempty"`
	Height   *int     `msgpack:"h,omitempty"`
	Damage   [][4]int `msgpack:"d,omitempty"`
	PTSNanos *int64   `msgpack:"pts,omitempty"`
}

// Sink receives packets and metadata records as they arrive. Calls happen
// synchronously on the consumer's read goroutines; ordering within each
// stream is the socket's byte order.
type Sink interface {
	OnPacket(pkt EncodedPacket)
	OnMetadata(md FrameMetadata)
}

// Consumer listens on two Unix sockets for the capture pipeline: one carrying
// length-prefixed encoded packets, one carrying msgpack metadata records.
// The metadata socket is optional; a pipeline that never connects it leaves
// the stream in full-frame-damage mode.
type Consumer struct {
	packetPath   string
	metadataPath string
	sink         Sink

	mu        sync.Mutex
	running   bool
	listeners []net.Listener
	conns     []net.Conn
	stopChan  chan struct{}
}

// NewConsumer creates a consumer for the given socket paths. metadataPath may
// be empty to disable the side channel.
func NewConsumer(packetPath, metadataPath string, sink Sink) *Consumer {
	return &Consumer{
		packetPath:   packetPath,
		metadataPath: metadataPath,
		sink:         sink,
		stopChan:     make(chan struct{}),
	}
}

// MetadataChannelAvailable reports whether the side channel is configured.
func (c *Consumer) MetadataChannelAvailable() bool {
	return c.metadataPath != ""
}

// Start begins listening on the configured sockets.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("capture consumer already running")
	}

	packetListener, err := listenUnix(c.packetPath)
	if err != nil {
		return err
	}
	c.listeners = append(c.listeners, packetListener)
	go c.acceptLoop(packetListener, c.readPackets)

	if c.metadataPath != "" {
		metadataListener, err := listenUnix(c.metadataPath)
		if err != nil {
			packetListener.Close()
			c.listeners = nil
			return err
		}
		c.listeners = append(c.listeners, metadataListener)
		go c.acceptLoop(metadataListener, c.readMetadata)
	}

	c.running = true
	util.LogDebug("capture consumer listening on %s", c.packetPath)
	return nil
}

func listenUnix(path string) (net.Listener, error) {
	os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return listener, nil
}

// acceptLoop hands each accepted connection to the stream reader. Only one
// producer is expected per socket; a new connection replaces nothing, it is
// simply read alongside.
func (c *Consumer) acceptLoop(listener net.Listener, read func(net.Conn)) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-c.stopChan:
				return
			default:
				util.LogWarning("capture accept error: %v", err)
				continue
			}
		}

		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()

		go func() {
			defer conn.Close()
			read(conn)
		}()
	}
}

// readPackets drains length-prefixed encoded packets from one connection.
func (c *Consumer) readPackets(conn net.Conn) {
	header := make([]byte, packetHeaderSize)

	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if err != io.EOF {
				util.LogWarning("capture packet header read error: %v", err)
			}
			return
		}

		flags := header[0]
		length := binary.LittleEndian.Uint32(header[9:13])
		// PTS (header[1:9]) travels with the metadata record instead; the
		// packet stream carries it only for diagnostics.

		if length > MaxPacketSize {
			util.LogError("capture packet too large: %d bytes", length)
			return
		}
		if length == 0 {
			// Zero-length packets are dropped silently.
			continue
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			util.LogWarning("capture packet payload read error: %v", err)
			return
		}

		c.sink.OnPacket(EncodedPacket{
			Data:       payload,
			IsKeyFrame: flags&flagKeyFrame != 0,
		})
	}
}

// readMetadata drains msgpack metadata records from one connection.
func (c *Consumer) readMetadata(conn net.Conn) {
	dec := msgpack.NewDecoder(conn)

	for {
		var record metadataRecord
		if err := dec.Decode(&record); err != nil {
			if err != io.EOF {
				util.LogWarning("capture metadata decode error: %v", err)
			}
			return
		}

		c.sink.OnMetadata(record.toFrameMetadata())
	}
}

func (r metadataRecord) toFrameMetadata() FrameMetadata {
	var md FrameMetadata

	if r.Width != nil && r.Height != nil {
		md.HasSize = true
		md.Size = geometry.Size{Width: *r.Width, Height: *r.Height}
	}
	if r.Damage != nil {
		md.HasDamage = true
		for _, d := range r.Damage {
			md.Damage = append(md.Damage, geometry.Rect{
				Left: d[0], Top: d[1], Right: d[2], Bottom: d[3],
			})
		}
	}
	if r.PTSNanos != nil {
		md.HasPTS = true
		md.PTS = time.Unix(0, *r.PTSNanos)
	}

	return md
}

// Stop shuts down the listeners and open connections.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stopChan)

	for _, l := range c.listeners {
		l.Close()
	}
	for _, conn := range c.conns {
		conn.Close()
	}
	c.listeners = nil
	c.conns = nil

	os.Remove(c.packetPath)
	if c.metadataPath != "" {
		os.Remove(c.metadataPath)
	}
}
