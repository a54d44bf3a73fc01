package transcode

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// DefaultMTU is the RTP packet size limit, header included.
const DefaultMTU = 1200

const rtpHeaderSize = 12

// rtpFormat writes every output stream as RTP packets framed per RFC 4571
// (16-bit big-endian length before each packet), each stream with its own
// SSRC.
func rtpFormat() *Format {
	return &Format{
		Name:       "rtp",
		Extensions: []string{".rtp"},
		NewMuxer:   newRTPMuxer,
	}
}

// rtpPayloader returns the RFC payload format for a codec. Codecs without
// one are split into MTU-sized chunks.
func rtpPayloader(c CodecID) rtp.Payloader {
	switch c {
	case CodecH264:
		return &codecs.H264Payloader{}
	case CodecVP8:
		return &codecs.VP8Payloader{}
	case CodecVP9:
		return &codecs.VP9Payloader{}
	case CodecAV1:
		return &codecs.AV1Payloader{}
	case CodecOpus:
		return &codecs.OpusPayloader{}
	case CodecPCMALaw, CodecPCMMuLaw:
		return &codecs.G711Payloader{}
	default:
		return chunkPayloader{}
	}
}

// chunkPayloader splits a payload into MTU-sized pieces.
type chunkPayloader struct{}

func (chunkPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	if mtu == 0 || len(payload) == 0 {
		return nil
	}
	var out [][]byte
	for len(payload) > 0 {
		n := min(int(mtu), len(payload))
		out = append(out, payload[:n])
		payload = payload[n:]
	}
	return out
}

// rtpPacketizer turns the packets of one stream into RTP packets.
type rtpPacketizer struct {
	stream      StreamDescriptor
	ssrc        uint32
	payloadType uint8
	mtu         int
	clock       Rational
	baseTS      uint32
	sequencer   rtp.Sequencer
	payloader   rtp.Payloader
	h264Headers []byte // Annex B SPS/PPS sent ahead of key frames
}

func newRTPPacketizer(s StreamDescriptor, mtu int) *rtpPacketizer {
	clockRate := s.Codec.ClockRate()
	if clockRate == 0 {
		clockRate = uint32(max(s.SampleRate, 0))
	}
	if clockRate == 0 {
		clockRate = 90000
	}
	return &rtpPacketizer{
		stream:      s,
		ssrc:        rand.Uint32(),
		payloadType: s.Codec.DefaultPayloadType(),
		mtu:         mtu,
		clock:       Rational{1, int64(clockRate)},
		baseTS:      rand.Uint32(),
		sequencer:   rtp.NewRandomSequencer(),
		payloader:   rtpPayloader(s.Codec),
		h264Headers: h264AnnexBHeaders(s.Extradata),
	}
}

// payload returns the bytes handed to the payloader. H.264 is sent as Annex
// B with parameter sets in front of every key frame so receivers can join
// mid-stream.
func (p *rtpPacketizer) payload(pkt *Packet) []byte {
	if p.stream.Codec != CodecH264 {
		return pkt.Data
	}
	data, err := avccToAnnexB(pkt.Data)
	if err != nil {
		return pkt.Data
	}
	if pkt.Key && p.h264Headers != nil {
		data = append(append([]byte(nil), p.h264Headers...), data...)
	}
	return data
}

// Packetize converts one packet into RTP packets. The marker bit is set on
// the last packet of a video frame and on every audio packet.
func (p *rtpPacketizer) Packetize(pkt *Packet) []*rtp.Packet {
	if len(pkt.Data) == 0 {
		return nil
	}
	payloads := p.payloader.Payload(uint16(p.mtu-rtpHeaderSize), p.payload(pkt))
	if len(payloads) == 0 {
		return nil
	}
	pts := pkt.PTS
	if pts == NoPTS {
		pts = pkt.DTS
	}
	var ts uint32
	if pts != NoPTS {
		ts = p.baseTS + uint32(Rescale(pts, p.stream.TimeBase, p.clock))
	}
	audio := p.stream.Type == MediaTypeAudio
	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         audio || i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	return packets
}

type rtpMuxer struct {
	bw          *bufio.Writer
	packetizers []*rtpPacketizer
	frame       [2]byte
}

func newRTPMuxer(w io.Writer, streams []StreamDescriptor) (Muxer, error) {
	m := &rtpMuxer{bw: bufio.NewWriter(w)}
	for _, s := range streams {
		if s.Type != MediaTypeAudio && s.Type != MediaTypeVideo {
			return nil, fmt.Errorf("%w: %s stream over rtp", ErrFormatNotSupported, s.Type)
		}
		m.packetizers = append(m.packetizers, newRTPPacketizer(s, DefaultMTU))
	}
	return m, nil
}

func (m *rtpMuxer) WriteHeader() error { return nil }

func (m *rtpMuxer) WritePacket(pkt *Packet) error {
	for _, rp := range m.packetizers[pkt.StreamIndex].Packetize(pkt) {
		raw, err := rp.Marshal()
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint16(m.frame[:], uint16(len(raw)))
		if _, err := m.bw.Write(m.frame[:]); err != nil {
			return err
		}
		if _, err := m.bw.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

func (m *rtpMuxer) WriteTrailer() error { return m.bw.Flush() }

func (m *rtpMuxer) Close() error { return nil }

// ReadRTPStream reads RFC 4571 framed RTP packets until the end of r.
func ReadRTPStream(r io.Reader) ([]*rtp.Packet, error) {
	br := bufio.NewReader(r)
	var (
		out []*rtp.Packet
		hdr [2]byte
	)
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
		if _, err := io.ReadFull(br, buf); err != nil {
			return out, err
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf); err != nil {
			return out, fmt.Errorf("%w: %v", ErrCorruptPacket, err)
		}
		out = append(out, pkt)
	}
}
