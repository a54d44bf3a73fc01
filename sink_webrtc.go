package transcode

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// MediaTrack is a pion TrackLocal fed by one output stream. Add it to a
// PeerConnection with AddTrack; packets are written to every binding.
type MediaTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
	codec    webrtc.RTPCodecCapability

	mu       sync.RWMutex
	bindings []trackBinding

	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
}

type trackBinding struct {
	id          string
	ssrc        webrtc.SSRC
	payloadType webrtc.PayloadType
	writer      webrtc.TrackLocalWriter
}

func newMediaTrack(s StreamDescriptor, streamID string) (*MediaTrack, error) {
	mime := s.Codec.MimeType()
	if mime == "" {
		return nil, fmt.Errorf("%w: %s has no RTP mapping", ErrCodecNotSupported, s.Codec)
	}
	kind := webrtc.RTPCodecTypeVideo
	if s.Type == MediaTypeAudio {
		kind = webrtc.RTPCodecTypeAudio
	}
	codec := webrtc.RTPCodecCapability{MimeType: mime, ClockRate: s.Codec.ClockRate()}
	if s.Type == MediaTypeAudio {
		codec.Channels = uint16(s.Channels())
		if s.Codec == CodecOpus {
			codec.Channels = 2
		}
	}
	return &MediaTrack{
		id:       uuid.NewString(),
		streamID: streamID,
		kind:     kind,
		codec:    codec,
	}, nil
}

// ID implements webrtc.TrackLocal.
func (t *MediaTrack) ID() string { return t.id }

// RID implements webrtc.TrackLocal.
func (t *MediaTrack) RID() string { return "" }

// StreamID implements webrtc.TrackLocal.
func (t *MediaTrack) StreamID() string { return t.streamID }

// Kind implements webrtc.TrackLocal.
func (t *MediaTrack) Kind() webrtc.RTPCodecType { return t.kind }

// Codec returns the codec capability offered on bind.
func (t *MediaTrack) Codec() webrtc.RTPCodecCapability { return t.codec }

// PacketsSent returns how many RTP packets were produced.
func (t *MediaTrack) PacketsSent() uint64 { return t.packetsSent.Load() }

// BytesSent returns the payload bytes produced.
func (t *MediaTrack) BytesSent() uint64 { return t.bytesSent.Load() }

// Bind implements webrtc.TrackLocal.
func (t *MediaTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	for _, p := range ctx.CodecParameters() {
		if strings.EqualFold(p.MimeType, t.codec.MimeType) {
			t.mu.Lock()
			t.bindings = append(t.bindings, trackBinding{
				id:          ctx.ID(),
				ssrc:        ctx.SSRC(),
				payloadType: p.PayloadType,
				writer:      ctx.WriteStream(),
			})
			t.mu.Unlock()
			return p, nil
		}
	}
	return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
}

// Unbind implements webrtc.TrackLocal.
func (t *MediaTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, b := range t.bindings {
		if b.id == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			return nil
		}
	}
	return errors.New("webrtc: unbind of unknown binding")
}

// writeRTP sends p to every binding, rewriting SSRC and payload type to the
// negotiated values.
func (t *MediaTrack) writeRTP(p *rtp.Packet) error {
	t.packetsSent.Add(1)
	t.bytesSent.Add(uint64(len(p.Payload)))

	t.mu.RLock()
	defer t.mu.RUnlock()
	var firstErr error
	for _, b := range t.bindings {
		h := p.Header
		h.SSRC = uint32(b.ssrc)
		h.PayloadType = uint8(b.payloadType)
		if _, err := b.writer.WriteRTP(&h, p.Payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ webrtc.TrackLocal = (*MediaTrack)(nil)

// TrackSink delivers each output stream to a WebRTC track. Create it, add
// its tracks to peer connections as they become available and submit the
// job; packets written before a peer binds are dropped.
type TrackSink struct {
	streamID string
	mtu      int
	log      logrus.FieldLogger

	mu     sync.Mutex
	tracks []*MediaTrack
	ready  chan struct{}
}

// NewTrackSink creates a sink whose tracks share streamID. An empty
// streamID gets a random one.
func NewTrackSink(streamID string, log logrus.FieldLogger) *TrackSink {
	if streamID == "" {
		streamID = uuid.NewString()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TrackSink{
		streamID: streamID,
		mtu:      DefaultMTU,
		log:      log.WithField("sink", "webrtc"),
		ready:    make(chan struct{}),
	}
}

// Name returns the stream id.
func (s *TrackSink) Name() string { return s.streamID }

// Ready is closed once the job has created the tracks.
func (s *TrackSink) Ready() <-chan struct{} { return s.ready }

// Tracks returns the tracks in output stream order, nil before Ready.
func (s *TrackSink) Tracks() []*MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MediaTrack(nil), s.tracks...)
}

// OpenMuxer implements MuxerProvider.
func (s *TrackSink) OpenMuxer(streams []StreamDescriptor) (Muxer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks != nil {
		return nil, errors.New("webrtc: sink already in use")
	}
	m := &trackMuxer{streams: streams}
	for _, st := range streams {
		track, err := newMediaTrack(st, s.streamID)
		if err != nil {
			return nil, err
		}
		m.tracks = append(m.tracks, track)
		m.packetizers = append(m.packetizers, newRTPPacketizer(st, s.mtu))
		s.log.WithFields(logrus.Fields{
			"track": track.id,
			"codec": st.Codec,
		}).Debug("track created")
	}
	s.tracks = m.tracks
	close(s.ready)
	return m, nil
}

// Close implements Sink.
func (s *TrackSink) Close() error { return nil }

type trackMuxer struct {
	streams     []StreamDescriptor
	tracks      []*MediaTrack
	packetizers []*rtpPacketizer
}

func (m *trackMuxer) WriteHeader() error { return nil }

func (m *trackMuxer) WritePacket(pkt *Packet) error {
	track := m.tracks[pkt.StreamIndex]
	for _, p := range m.packetizers[pkt.StreamIndex].Packetize(pkt) {
		if err := track.writeRTP(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *trackMuxer) WriteTrailer() error { return nil }

func (m *trackMuxer) Close() error { return nil }
