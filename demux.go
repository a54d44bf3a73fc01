package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// probeSize is the number of leading bytes used to sniff a container.
const probeSize = 64

// Demuxer reads packets from one container.
//
// Streams must be known as soon as the demuxer is constructed. ReadPacket
// returns packets in container order and io.EOF at the end; a damaged but
// skippable packet is reported with an error wrapping ErrCorruptPacket.
type Demuxer interface {
	Streams() []StreamDescriptor
	ReadPacket(ctx context.Context) (*Packet, error)
	// Seek positions the read cursor at or before ts (in the stream's time
	// base). Demuxers without random access return ErrNotSupported.
	Seek(ctx context.Context, stream int, ts int64) error
	Close() error
}

// DemuxReader is the pipeline's view of a Demuxer: stream descriptors up
// front, ErrEndOfStream at the end, corruption handled per policy and
// failures tagged with their ErrorKind.
type DemuxReader struct {
	src     Source
	dmx     Demuxer
	format  string
	streams []StreamDescriptor
	policy  CorruptionPolicy
	log     logrus.FieldLogger

	packetsRead    atomic.Uint64
	packetsSkipped atomic.Uint64
	eof            bool
}

// OpenDemuxReader resolves the container format of src and opens it.
// Every failure is a SourceError.
func OpenDemuxReader(reg *Registry, src Source, policy CorruptionPolicy, log logrus.FieldLogger) (*DemuxReader, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dmx, format, err := openDemuxer(reg, src)
	if err != nil {
		return nil, newError(SourceError, -1, err)
	}
	streams := dmx.Streams()
	if len(streams) == 0 {
		dmx.Close()
		return nil, newError(SourceError, -1, fmt.Errorf("%s: no streams", src.Name()))
	}
	for i := range streams {
		streams[i].Index = i
	}
	r := &DemuxReader{
		src:     src,
		dmx:     dmx,
		format:  format,
		streams: streams,
		policy:  policy,
		log:     log.WithField("format", format),
	}
	for _, s := range streams {
		r.log.WithField("stream", s.Index).Debugf("input %s", s)
	}
	return r, nil
}

func openDemuxer(reg *Registry, src Source) (Demuxer, string, error) {
	if p, ok := src.(DemuxerProvider); ok {
		dmx, err := p.OpenDemuxer()
		return dmx, src.Name(), err
	}

	var (
		r      io.Reader
		header []byte
	)
	if rs, ok := src.(io.ReadSeeker); ok {
		header = make([]byte, probeSize)
		n, err := io.ReadFull(rs, header)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, "", fmt.Errorf("read header: %w", err)
		}
		header = header[:n]
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, "", fmt.Errorf("rewind: %w", err)
		}
		r = rs
	} else {
		br := bufio.NewReaderSize(src, 32*1024)
		var err error
		header, err = br.Peek(probeSize)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, "", fmt.Errorf("read header: %w", err)
		}
		r = br
	}
	if len(header) == 0 {
		return nil, "", fmt.Errorf("%s: empty input", src.Name())
	}

	f, err := reg.ProbeFormat(header, src.Name())
	if err != nil {
		return nil, "", err
	}
	dmx, err := f.NewDemuxer(r)
	if err != nil {
		return nil, f.Name, fmt.Errorf("%s: %w", f.Name, err)
	}
	return dmx, f.Name, nil
}

// Streams returns the input stream descriptors. The slice must not be modified.
func (r *DemuxReader) Streams() []StreamDescriptor { return r.streams }

// Format returns the name of the container format.
func (r *DemuxReader) Format() string { return r.format }

// PacketsRead returns how many packets have been delivered.
func (r *DemuxReader) PacketsRead() uint64 { return r.packetsRead.Load() }

// PacketsSkipped returns how many corrupt packets were skipped.
func (r *DemuxReader) PacketsSkipped() uint64 { return r.packetsSkipped.Load() }

// ReadPacket returns the next packet in container order, ErrEndOfStream, or
// a ReadError.
func (r *DemuxReader) ReadPacket(ctx context.Context) (*Packet, error) {
	if r.eof {
		return nil, ErrEndOfStream
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, newError(CancelledError, -1, err)
		}
		pkt, err := r.dmx.ReadPacket(ctx)
		switch {
		case err == nil:
			if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(r.streams) {
				return nil, newError(ReadError, -1, fmt.Errorf("packet for unknown stream %d", pkt.StreamIndex))
			}
			r.packetsRead.Add(1)
			return pkt, nil
		case errors.Is(err, io.EOF) || errors.Is(err, ErrEndOfStream):
			r.eof = true
			return nil, ErrEndOfStream
		case errors.Is(err, ErrCorruptPacket) && r.policy == CorruptionSkip:
			r.packetsSkipped.Add(1)
			r.log.WithError(err).Warn("skipping corrupt packet")
		default:
			return nil, newError(ReadError, -1, err)
		}
	}
}

// Packets returns a lazy, single-use sequence of packets until the end of
// the input. An error is yielded once and ends the sequence.
func (r *DemuxReader) Packets(ctx context.Context) iter.Seq2[*Packet, error] {
	return func(yield func(*Packet, error) bool) {
		for {
			pkt, err := r.ReadPacket(ctx)
			if errors.Is(err, ErrEndOfStream) {
				return
			}
			if !yield(pkt, err) || err != nil {
				return
			}
		}
	}
}

// Seek repositions the reader.
func (r *DemuxReader) Seek(ctx context.Context, stream int, ts int64) error {
	if err := r.dmx.Seek(ctx, stream, ts); err != nil {
		return err
	}
	r.eof = false
	return nil
}

// Close closes the demuxer and the source.
func (r *DemuxReader) Close() error {
	err := r.dmx.Close()
	if cerr := r.src.Close(); err == nil {
		err = cerr
	}
	return err
}
