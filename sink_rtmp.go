package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// RTMP chunk stream ids conventionally used for media messages.
const (
	rtmpAudioChunkStream = 4
	rtmpVideoChunkStream = 6
	rtmpChunkSize        = 128
)

// RTMPSinkConfig configures an RTMP publisher.
type RTMPSinkConfig struct {
	// URL is rtmp://host[:port]/app/streamName.
	URL    string
	Logger logrus.FieldLogger
}

// RTMPSink publishes the output to an RTMP server. Streams are carried as
// FLV tag bodies, so the same codecs as the flv container apply.
type RTMPSink struct {
	cfg    RTMPSinkConfig
	log    logrus.FieldLogger
	addr   string
	app    string
	name   string
	tcURL  string
	client *rtmp.ClientConn
}

// NewRTMPSink parses the publish URL. Nothing is dialed until the job opens
// its output.
func NewRTMPSink(cfg RTMPSinkConfig) (*RTMPSink, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rtmp: %w", err)
	}
	if u.Scheme != "rtmp" {
		return nil, fmt.Errorf("rtmp: unsupported scheme %q", u.Scheme)
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("rtmp: url %q needs /app/stream", cfg.URL)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "1935")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &RTMPSink{
		cfg:   cfg,
		log:   cfg.Logger.WithField("sink", "rtmp"),
		addr:  host,
		app:   parts[0],
		name:  parts[1],
		tcURL: fmt.Sprintf("rtmp://%s/%s", host, parts[0]),
	}, nil
}

// Name returns the publish URL.
func (s *RTMPSink) Name() string { return s.cfg.URL }

// OpenMuxer implements MuxerProvider.
func (s *RTMPSink) OpenMuxer(streams []StreamDescriptor) (Muxer, error) {
	if err := flvCheckStreams(streams); err != nil {
		return nil, err
	}
	return &rtmpMuxer{sink: s, streams: streams}, nil
}

// Close closes the connection if it is open.
func (s *RTMPSink) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *RTMPSink) connect() (*rtmp.Stream, error) {
	client, err := rtmp.Dial("rtmp", s.addr, &rtmp.ConnConfig{Logger: loggerOf(s.log)})
	if err != nil {
		return nil, fmt.Errorf("rtmp dial %s: %w", s.addr, err)
	}
	s.client = client
	if err := client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      s.app,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0",
			TCURL:    s.tcURL,
		},
	}); err != nil {
		return nil, fmt.Errorf("rtmp connect: %w", err)
	}
	stream, err := client.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		return nil, fmt.Errorf("rtmp create stream: %w", err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: s.name,
		PublishingType: "live",
	}); err != nil {
		return nil, fmt.Errorf("rtmp publish %s: %w", s.name, err)
	}
	s.log.WithField("stream", s.name).Info("publishing")
	return stream, nil
}

// loggerOf returns the *logrus.Logger behind l, which go-rtmp requires.
func loggerOf(l logrus.FieldLogger) *logrus.Logger {
	switch v := l.(type) {
	case *logrus.Logger:
		return v
	case *logrus.Entry:
		return v.Logger
	}
	return logrus.StandardLogger()
}

type rtmpMuxer struct {
	sink    *RTMPSink
	streams []StreamDescriptor
	stream  *rtmp.Stream
	buf     bytes.Buffer
}

func (m *rtmpMuxer) WriteHeader() error {
	stream, err := m.sink.connect()
	if err != nil {
		return err
	}
	m.stream = stream
	for _, s := range m.streams {
		if body := flvSequenceHeaders(s); body != nil {
			if err := m.send(body, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *rtmpMuxer) WritePacket(pkt *Packet) error {
	body, ts, err := flvTagBody(m.streams[pkt.StreamIndex], pkt)
	if err != nil {
		return err
	}
	return m.send(body, ts)
}

// send encodes an FLV tag body and writes it as an RTMP media message.
func (m *rtmpMuxer) send(body any, ts uint32) error {
	m.buf.Reset()
	switch b := body.(type) {
	case *flvtag.AudioData:
		if err := flvtag.EncodeAudioData(&m.buf, b); err != nil {
			return err
		}
		payload := bytes.NewReader(m.buf.Bytes())
		return m.stream.Write(rtmpAudioChunkStream, ts, &rtmpmsg.AudioMessage{Payload: payload})
	case *flvtag.VideoData:
		if err := flvtag.EncodeVideoData(&m.buf, b); err != nil {
			return err
		}
		payload := bytes.NewReader(m.buf.Bytes())
		return m.stream.Write(rtmpVideoChunkStream, ts, &rtmpmsg.VideoMessage{Payload: payload})
	}
	return errors.New("rtmp: unknown tag body")
}

func (m *rtmpMuxer) WriteTrailer() error { return nil }

func (m *rtmpMuxer) Close() error { return m.sink.Close() }
