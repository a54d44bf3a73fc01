package transcode

import (
	"errors"
	"iter"

	"github.com/sirupsen/logrus"
)

// Encoder turns raw frames into packets of one output stream.
//
// SendFrame hands one frame to the codec (nil starts draining), then
// ReceivePacket is called until it returns ErrNeedMoreInput or
// ErrEndOfStream. Encoders may hold several frames before the first packet.
// Packet timestamps are in TimeBase.
type Encoder interface {
	SendFrame(f *Frame) error
	ReceivePacket() (*Packet, error)
	TimeBase() Rational
	Close() error
}

// extradataEncoder is implemented by encoders that know their codec private
// data (H.264 parameter sets) once created, before the muxer header is
// written.
type extradataEncoder interface {
	Extradata() []byte
}

// EncoderStage wraps an Encoder, stamping packets with the output stream
// index and rescaling them into the output stream time base.
type EncoderStage struct {
	desc     StreamDescriptor // Output stream
	enc      Encoder
	log      logrus.FieldLogger
	draining bool
	done     bool
	stats    StageStats
}

// NewEncoderStage creates an encoder stage for the output stream desc.
func NewEncoderStage(desc StreamDescriptor, enc Encoder, log logrus.FieldLogger) *EncoderStage {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if !desc.TimeBase.Valid() {
		desc.TimeBase = enc.TimeBase()
	}
	if x, ok := enc.(extradataEncoder); ok && desc.Extradata == nil {
		desc.Extradata = x.Extradata()
	}
	return &EncoderStage{desc: desc, enc: enc, log: log}
}

// Descriptor returns the output stream descriptor.
func (s *EncoderStage) Descriptor() StreamDescriptor { return s.desc }

// Feed hands one frame to the codec. The stage owns f afterwards.
func (s *EncoderStage) Feed(f *Frame) error {
	if s.draining {
		return newError(EncodeError, s.desc.Index, errors.New("feed after flush"))
	}
	if err := s.enc.SendFrame(f); err != nil {
		return newError(EncodeError, s.desc.Index, err)
	}
	s.stats.UnitsIn++
	s.stats.BytesIn += uint64(f.ByteSize())
	return nil
}

// Flush signals end of input so buffered frames are emitted.
func (s *EncoderStage) Flush() error {
	if s.draining {
		return nil
	}
	s.draining = true
	if err := s.enc.SendFrame(nil); err != nil && !errors.Is(err, ErrEndOfStream) {
		return newError(EncodeError, s.desc.Index, err)
	}
	return nil
}

// ReceivePacket returns the next packet, ErrNeedMoreInput, or
// ErrEndOfStream once flushed and drained.
func (s *EncoderStage) ReceivePacket() (*Packet, error) {
	if s.done {
		return nil, ErrEndOfStream
	}
	pkt, err := s.enc.ReceivePacket()
	switch {
	case err == nil:
	case errors.Is(err, ErrNeedMoreInput):
		if s.draining {
			s.done = true
			return nil, ErrEndOfStream
		}
		return nil, ErrNeedMoreInput
	case errors.Is(err, ErrEndOfStream):
		s.done = true
		return nil, ErrEndOfStream
	default:
		return nil, newError(EncodeError, s.desc.Index, err)
	}

	pkt.StreamIndex = s.desc.Index
	pkt.Rescale(s.enc.TimeBase(), s.desc.TimeBase)
	s.stats.UnitsOut++
	s.stats.BytesOut += uint64(len(pkt.Data))
	return pkt, nil
}

// Packets returns a lazy, single-use sequence over ReceivePacket.
func (s *EncoderStage) Packets() iter.Seq2[*Packet, error] {
	return func(yield func(*Packet, error) bool) {
		for {
			pkt, err := s.ReceivePacket()
			if errors.Is(err, ErrNeedMoreInput) || errors.Is(err, ErrEndOfStream) {
				return
			}
			if !yield(pkt, err) || err != nil {
				return
			}
		}
	}
}

// Stats returns the stage statistics.
func (s *EncoderStage) Stats() StageStats { return s.stats }

// Close releases the codec.
func (s *EncoderStage) Close() error {
	return s.enc.Close()
}
