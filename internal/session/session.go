// Package session wires one connection's video path together: the capture
// intake, the packet/metadata pairer, the congestion controller and the
// video stream over its graphics channel.
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/westers/krdp/internal/capture"
	"github.com/westers/krdp/internal/egfx"
	"github.com/westers/krdp/internal/geometry"
	"github.com/westers/krdp/internal/netmon"
	"github.com/westers/krdp/internal/pairing"
	"github.com/westers/krdp/internal/stream"
	"github.com/westers/krdp/internal/transport"
	"github.com/westers/krdp/internal/util"
)

// Options carries the per-session knobs taken from configuration.
type Options struct {
	PreferredCodec egfx.Codec
	InitialSize    geometry.Size

	// Capture IPC socket paths. MetadataSocket may be empty.
	PacketSocket   string
	MetadataSocket string
}

// Session owns the video path for a single client connection.
type Session struct {
	id string

	options  Options
	gfx      *egfx.ServerContext
	detector *netmon.Detector
	stream   *stream.VideoStream
	pairer   *pairing.Pairer
	consumer *capture.Consumer

	cancel context.CancelFunc
}

// New builds an unstarted session over an accepted channel transport.
func New(channel transport.Channel, options Options) *Session {
	s := &Session{
		id:       uuid.NewString(),
		options:  options,
		detector: netmon.New(),
	}

	gfx := egfx.NewServerContext(channel)
	s.gfx = gfx
	controller := stream.NewController()
	s.detector.OnRTTChanged(controller.OnRTTChanged)

	s.stream = stream.New(gfx, controller, s.detector, options.PreferredCodec)
	s.pairer = pairing.New(s.stream.QueueFrame)
	s.pairer.SetSessionSize(options.InitialSize)
	s.consumer = capture.NewConsumer(options.PacketSocket, options.MetadataSocket, s.pairer)
	s.pairer.SetMetadataChannelAvailable(s.consumer.MetadataChannelAvailable())

	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Detector exposes the RTT/bandwidth aggregator so the transport's probe can
// feed samples in.
func (s *Session) Detector() *netmon.Detector {
	return s.detector
}

// Done reports graphics-channel teardown; closed when the client went away.
// Only valid after Start.
func (s *Session) Done() <-chan struct{} {
	return s.gfx.Done()
}

// Start opens the graphics channel and the capture intake. A failure tears
// everything down again.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.stream.Initialize(ctx); err != nil {
		cancel()
		return fmt.Errorf("session %s: %w", s.id, err)
	}

	if err := s.consumer.Start(); err != nil {
		s.stream.Close()
		cancel()
		return fmt.Errorf("session %s: %w", s.id, err)
	}

	s.stream.SetEnabled(true)
	util.LogInfo("session %s streaming (codec preference: %s)", s.id, s.options.PreferredCodec)
	return nil
}

// Close stops the capture intake and the stream.
func (s *Session) Close() {
	s.stream.SetEnabled(false)
	s.consumer.Stop()
	s.stream.Close()
	if s.cancel != nil {
		s.cancel()
	}
	util.LogInfo("session %s closed", s.id)
}
