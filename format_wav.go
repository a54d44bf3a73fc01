package transcode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAVE format tags.
const (
	wavTagPCM        = 0x0001
	wavTagFloat      = 0x0003
	wavTagALaw       = 0x0006
	wavTagMuLaw      = 0x0007
	wavTagExtensible = 0xFFFE
)

// wavPacketSamples is the number of sample frames per demuxed packet.
const wavPacketSamples = 1024

func wavFormat() *Format {
	return &Format{
		Name:       "wav",
		Extensions: []string{".wav", ".wave"},
		Probe: func(h []byte) bool {
			return len(h) >= 12 && string(h[0:4]) == "RIFF" && string(h[8:12]) == "WAVE"
		},
		NewDemuxer: newWAVDemuxer,
		NewMuxer:   newWAVMuxer,
		Codecs:     []CodecID{CodecPCMS16LE, CodecPCMF32LE, CodecPCMU8, CodecPCMALaw, CodecPCMMuLaw},
	}
}

func wavCodec(tag uint16, bits int) (CodecID, error) {
	switch {
	case tag == wavTagPCM && bits == 16:
		return CodecPCMS16LE, nil
	case tag == wavTagPCM && bits == 8:
		return CodecPCMU8, nil
	case tag == wavTagFloat && bits == 32:
		return CodecPCMF32LE, nil
	case tag == wavTagALaw:
		return CodecPCMALaw, nil
	case tag == wavTagMuLaw:
		return CodecPCMMuLaw, nil
	}
	return CodecUnknown, fmt.Errorf("%w: wav format tag 0x%04x with %d bits", ErrCodecNotSupported, tag, bits)
}

func wavTag(c CodecID) (tag uint16, bits int) {
	switch c {
	case CodecPCMS16LE:
		return wavTagPCM, 16
	case CodecPCMU8:
		return wavTagPCM, 8
	case CodecPCMF32LE:
		return wavTagFloat, 32
	case CodecPCMALaw:
		return wavTagALaw, 8
	case CodecPCMMuLaw:
		return wavTagMuLaw, 8
	}
	return 0, 0
}

type wavDemuxer struct {
	r         io.Reader
	seeker    io.Seeker
	stream    StreamDescriptor
	blockSize int   // Bytes per sample frame
	dataStart int64 // Offset of the first sample byte
	dataSize  int64 // -1 when unknown
	consumed  int64
	pos       int64 // Sample frames delivered
}

func newWAVDemuxer(r io.Reader) (Demuxer, error) {
	d := &wavDemuxer{r: r, dataSize: -1}
	if s, ok := r.(io.Seeker); ok {
		d.seeker = s
	}
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *wavDemuxer) readHeader() error {
	var riff [12]byte
	if _, err := io.ReadFull(d.r, riff[:]); err != nil {
		return fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return errors.New("not a RIFF/WAVE file")
	}
	offset := int64(12)

	var haveFmt bool
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
			return fmt.Errorf("read chunk header: %w", err)
		}
		offset += 8
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return fmt.Errorf("fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size+size&1)
			if _, err := io.ReadFull(d.r, body); err != nil {
				return fmt.Errorf("read fmt chunk: %w", err)
			}
			offset += int64(len(body))
			if err := d.parseFmt(body); err != nil {
				return err
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return errors.New("data chunk before fmt chunk")
			}
			d.dataStart = offset
			if size != 0xFFFFFFFF && size != 0 {
				d.dataSize = size
				d.stream.Duration = size / int64(d.blockSize)
			}
			return nil
		default:
			skip := size + size&1
			if _, err := io.CopyN(io.Discard, d.r, skip); err != nil {
				return fmt.Errorf("skip %q chunk: %w", id, err)
			}
			offset += skip
		}
	}
}

func (d *wavDemuxer) parseFmt(b []byte) error {
	tag := binary.LittleEndian.Uint16(b[0:2])
	channels := int(binary.LittleEndian.Uint16(b[2:4]))
	rate := int(binary.LittleEndian.Uint32(b[4:8]))
	blockAlign := int(binary.LittleEndian.Uint16(b[12:14]))
	bits := int(binary.LittleEndian.Uint16(b[14:16]))
	if tag == wavTagExtensible && len(b) >= 26 {
		// The sub-format GUID starts with the real format tag.
		tag = binary.LittleEndian.Uint16(b[24:26])
	}
	if channels <= 0 || rate <= 0 || blockAlign <= 0 {
		return fmt.Errorf("invalid wav format: %d channels, %dHz, block %d", channels, rate, blockAlign)
	}
	codec, err := wavCodec(tag, bits)
	if err != nil {
		return err
	}
	d.blockSize = blockAlign
	d.stream = StreamDescriptor{
		Type:         MediaTypeAudio,
		Codec:        codec,
		TimeBase:     Rational{1, int64(rate)},
		SampleRate:   rate,
		Layout:       ChannelLayout(channels),
		SampleFormat: RawSampleFormat(codec),
		FrameSize:    wavPacketSamples,
	}
	return nil
}

func (d *wavDemuxer) Streams() []StreamDescriptor {
	return []StreamDescriptor{d.stream.Clone()}
}

func (d *wavDemuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	want := int64(wavPacketSamples * d.blockSize)
	if d.dataSize >= 0 {
		want = min(want, d.dataSize-d.consumed)
		if want <= 0 {
			return nil, io.EOF
		}
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(d.r, buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	d.consumed += int64(n)
	// A trailing partial sample frame cannot be decoded.
	n -= n % d.blockSize
	if n == 0 {
		return nil, io.EOF
	}
	samples := int64(n / d.blockSize)
	pkt := &Packet{
		StreamIndex: 0,
		PTS:         d.pos,
		DTS:         d.pos,
		Duration:    samples,
		Key:         true,
		Data:        buf[:n],
	}
	d.pos += samples
	return pkt, nil
}

func (d *wavDemuxer) Seek(ctx context.Context, stream int, ts int64) error {
	if d.seeker == nil {
		return ErrNotSupported
	}
	if stream != 0 {
		return fmt.Errorf("wav: no stream %d", stream)
	}
	ts = max(ts, 0)
	if d.stream.Duration > 0 {
		ts = min(ts, d.stream.Duration)
	}
	off := ts * int64(d.blockSize)
	if _, err := d.seeker.Seek(d.dataStart+off, io.SeekStart); err != nil {
		return err
	}
	d.consumed = off
	d.pos = ts
	return nil
}

func (d *wavDemuxer) Close() error { return nil }

type wavMuxer struct {
	w      io.Writer
	bw     *bufio.Writer
	stream StreamDescriptor
	data   int64
}

func newWAVMuxer(w io.Writer, streams []StreamDescriptor) (Muxer, error) {
	if len(streams) != 1 || streams[0].Type != MediaTypeAudio {
		return nil, fmt.Errorf("%w: wav carries exactly one audio stream", ErrFormatNotSupported)
	}
	if tag, _ := wavTag(streams[0].Codec); tag == 0 {
		return nil, fmt.Errorf("%w: %s in wav", ErrCodecNotSupported, streams[0].Codec)
	}
	return &wavMuxer{w: w, bw: bufio.NewWriter(w), stream: streams[0]}, nil
}

func (m *wavMuxer) header(dataSize uint32) []byte {
	tag, bits := wavTag(m.stream.Codec)
	channels := m.stream.Channels()
	blockAlign := channels * bits / 8
	rate := m.stream.SampleRate

	var b bytes.Buffer
	le := binary.LittleEndian
	riffSize := uint32(0xFFFFFFFF)
	if dataSize != 0xFFFFFFFF {
		riffSize = 36 + dataSize
	}
	b.WriteString("RIFF")
	binary.Write(&b, le, riffSize)
	b.WriteString("WAVEfmt ")
	binary.Write(&b, le, uint32(16))
	binary.Write(&b, le, tag)
	binary.Write(&b, le, uint16(channels))
	binary.Write(&b, le, uint32(rate))
	binary.Write(&b, le, uint32(rate*blockAlign))
	binary.Write(&b, le, uint16(blockAlign))
	binary.Write(&b, le, uint16(bits))
	b.WriteString("data")
	binary.Write(&b, le, dataSize)
	return b.Bytes()
}

func (m *wavMuxer) WriteHeader() error {
	_, err := m.bw.Write(m.header(0xFFFFFFFF))
	return err
}

func (m *wavMuxer) WritePacket(pkt *Packet) error {
	n, err := m.bw.Write(pkt.Data)
	m.data += int64(n)
	return err
}

// WriteTrailer patches the chunk sizes when the sink is seekable. Streamed
// output keeps the 0xFFFFFFFF placeholders, which readers treat as unknown.
func (m *wavMuxer) WriteTrailer() error {
	if m.data&1 == 1 {
		if err := m.bw.WriteByte(0); err != nil {
			return err
		}
	}
	if err := m.bw.Flush(); err != nil {
		return err
	}
	ws, ok := m.w.(io.WriteSeeker)
	if !ok || m.data > 0xFFFFFFFF-36 {
		return nil
	}
	end, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil
	}
	if _, err := ws.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := ws.Write(m.header(uint32(m.data))); err != nil {
		return err
	}
	_, err = ws.Seek(end, io.SeekStart)
	return err
}

func (m *wavMuxer) Close() error { return nil }
