package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
)

// FLV tag field values (Adobe FLV specification, Annex E).
const (
	flvSoundPCM    = flvtag.SoundFormat(0)
	flvSoundMP3    = flvtag.SoundFormat(2)
	flvSoundPCMLE  = flvtag.SoundFormat(3)
	flvSoundALaw   = flvtag.SoundFormat(7)
	flvSoundMuLaw  = flvtag.SoundFormat(8)
	flvSoundAAC    = flvtag.SoundFormat(10)
	flvSoundSize8  = flvtag.SoundSize(0)
	flvSoundSize16 = flvtag.SoundSize(1)
	flvSoundMono   = flvtag.SoundType(0)
	flvSoundStereo = flvtag.SoundType(1)
	flvAACHeader   = flvtag.AACPacketType(0)
	flvAACRaw      = flvtag.AACPacketType(1)
	flvKeyFrame    = flvtag.FrameType(1)
	flvInterFrame  = flvtag.FrameType(2)
	flvVideoAVC    = flvtag.CodecID(7)
	flvAVCHeader   = flvtag.AVCPacketType(0)
	flvAVCNALU     = flvtag.AVCPacketType(1)
	flvAVCEndOfSeq = flvtag.AVCPacketType(2)
)

// flvSoundRates maps the 2-bit SoundRate field to Hz.
var flvSoundRates = [4]int{5512, 11025, 22050, 44100}

// flvScanTags bounds how many tags are read to discover the streams.
const flvScanTags = 64

func flvFormat() *Format {
	return &Format{
		Name:       "flv",
		Extensions: []string{".flv"},
		Probe: func(h []byte) bool {
			return len(h) >= 4 && h[0] == 'F' && h[1] == 'L' && h[2] == 'V' && h[3] == 1
		},
		NewDemuxer: newFLVDemuxer,
		NewMuxer:   newFLVMuxer,
		Codecs: []CodecID{
			CodecPCMS16LE, CodecPCMU8, CodecPCMALaw, CodecPCMMuLaw,
			CodecAAC, CodecMP3, CodecH264,
		},
	}
}

// flvAudioParams checks that an audio stream is representable in FLV.
func flvAudioParams(s StreamDescriptor) (format flvtag.SoundFormat, rate flvtag.SoundRate, size flvtag.SoundSize, typ flvtag.SoundType, err error) {
	typ = flvSoundMono
	switch s.Channels() {
	case 1:
	case 2:
		typ = flvSoundStereo
	default:
		return 0, 0, 0, 0, fmt.Errorf("%w: flv audio with %d channels", ErrFormatNotSupported, s.Channels())
	}
	size = flvSoundSize16
	rate = flvtag.SoundRate(3)
	switch s.Codec {
	case CodecPCMS16LE:
		format = flvSoundPCMLE
	case CodecPCMU8:
		format, size = flvSoundPCMLE, flvSoundSize8
	case CodecPCMALaw, CodecPCMMuLaw:
		format = flvSoundALaw
		if s.Codec == CodecPCMMuLaw {
			format = flvSoundMuLaw
		}
		if s.SampleRate != 8000 || typ != flvSoundMono {
			return 0, 0, 0, 0, fmt.Errorf("%w: flv g711 must be 8000Hz mono", ErrFormatNotSupported)
		}
		return format, flvtag.SoundRate(0), size, typ, nil
	case CodecAAC:
		return flvSoundAAC, rate, size, flvSoundStereo, nil
	case CodecMP3:
		format = flvSoundMP3
	default:
		return 0, 0, 0, 0, fmt.Errorf("%w: %s in flv", ErrCodecNotSupported, s.Codec)
	}
	for i, r := range flvSoundRates {
		if r == s.SampleRate {
			return format, flvtag.SoundRate(i), size, typ, nil
		}
	}
	return 0, 0, 0, 0, fmt.Errorf("%w: flv cannot carry %dHz audio", ErrFormatNotSupported, s.SampleRate)
}

// flvSequenceHeaders returns the tags that must precede the media of a
// stream: the AVC decoder configuration and the AAC AudioSpecificConfig.
func flvSequenceHeaders(s StreamDescriptor) any {
	if len(s.Extradata) == 0 {
		return nil
	}
	switch s.Codec {
	case CodecH264:
		rec := h264ConfigRecord(s.Extradata)
		if rec == nil {
			return nil
		}
		return &flvtag.VideoData{
			FrameType:     flvKeyFrame,
			CodecID:       flvVideoAVC,
			AVCPacketType: flvAVCHeader,
			Data:          bytes.NewReader(rec),
		}
	case CodecAAC:
		return &flvtag.AudioData{
			SoundFormat:   flvSoundAAC,
			SoundRate:     flvtag.SoundRate(3),
			SoundSize:     flvSoundSize16,
			SoundType:     flvSoundStereo,
			AACPacketType: flvAACHeader,
			Data:          bytes.NewReader(s.Extradata),
		}
	}
	return nil
}

// flvTagBody converts a packet into an FLV audio or video tag body and its
// millisecond timestamp.
func flvTagBody(s StreamDescriptor, pkt *Packet) (any, uint32, error) {
	dts := pkt.OrderTS()
	if dts == NoPTS {
		dts = 0
	}
	ms := Rescale(dts, s.TimeBase, TimeBaseMillis)
	if ms < 0 {
		ms = 0
	}
	switch s.Type {
	case MediaTypeAudio:
		format, rate, size, typ, err := flvAudioParams(s)
		if err != nil {
			return nil, 0, err
		}
		return &flvtag.AudioData{
			SoundFormat:   format,
			SoundRate:     rate,
			SoundSize:     size,
			SoundType:     typ,
			AACPacketType: flvAACRaw,
			Data:          bytes.NewReader(pkt.Data),
		}, uint32(ms), nil
	case MediaTypeVideo:
		if s.Codec != CodecH264 {
			return nil, 0, fmt.Errorf("%w: %s in flv", ErrCodecNotSupported, s.Codec)
		}
		frameType := flvInterFrame
		if pkt.Key {
			frameType = flvKeyFrame
		}
		var cts int64
		if pkt.PTS != NoPTS && pkt.DTS != NoPTS {
			cts = Rescale(pkt.PTS-pkt.DTS, s.TimeBase, TimeBaseMillis)
		}
		return &flvtag.VideoData{
			FrameType:       frameType,
			CodecID:         flvVideoAVC,
			AVCPacketType:   flvAVCNALU,
			CompositionTime: int32(cts),
			Data:            bytes.NewReader(annexBToAVCC(pkt.Data)),
		}, uint32(ms), nil
	}
	return nil, 0, fmt.Errorf("%w: %s stream in flv", ErrFormatNotSupported, s.Type)
}

// flvTagType returns the tag type carrying a body built by flvTagBody.
func flvTagType(body any) flvtag.TagType {
	if _, ok := body.(*flvtag.VideoData); ok {
		return flvtag.TagTypeVideo
	}
	return flvtag.TagTypeAudio
}

type flvPendingTag struct {
	audio bool
	pkt   *Packet
}

// flvDemuxer reads audio and video tags. Script data is ignored.
type flvDemuxer struct {
	dec     *flv.Decoder
	streams []StreamDescriptor
	audio   int // Stream index, -1 if absent
	video   int
	pending []flvPendingTag
	eof     bool
}

func newFLVDemuxer(r io.Reader) (Demuxer, error) {
	dec, err := flv.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("read flv header: %w", err)
	}
	d := &flvDemuxer{dec: dec, audio: -1, video: -1}
	if err := d.scan(); err != nil {
		return nil, err
	}
	return d, nil
}

// scan reads ahead until both stream kinds have been seen (or the scan limit
// is reached) so Streams is complete before the first packet is returned.
func (d *flvDemuxer) scan() error {
	var audio, video *StreamDescriptor
	for i := 0; i < flvScanTags && (audio == nil || video == nil || video.Codec == CodecH264 && video.Extradata == nil); i++ {
		var tag flvtag.FlvTag
		if err := d.dec.Decode(&tag); err != nil {
			if isEOF(err) {
				d.eof = true
				break
			}
			return fmt.Errorf("read flv tag: %w", err)
		}
		switch data := tag.Data.(type) {
		case *flvtag.AudioData:
			payload, err := io.ReadAll(data.Data)
			if err != nil {
				return err
			}
			if audio == nil {
				desc := flvAudioDescriptor(data, payload)
				audio = &desc
			}
			if data.SoundFormat == flvSoundAAC && data.AACPacketType == flvAACHeader {
				audio.Extradata = payload
				continue
			}
			d.pending = append(d.pending, flvPendingTag{audio: true, pkt: flvAudioPacket(audio, tag.Timestamp, payload)})
		case *flvtag.VideoData:
			payload, err := io.ReadAll(data.Data)
			if err != nil {
				return err
			}
			if video == nil {
				video = &StreamDescriptor{
					Type:        MediaTypeVideo,
					Codec:       flvVideoCodec(data.CodecID),
					TimeBase:    TimeBaseMillis,
					PixelFormat: PixelFormatI420,
				}
			}
			if data.CodecID == flvVideoAVC && data.AVCPacketType == flvAVCHeader {
				video.Extradata = payload
				if sps, _ := h264ParameterSets(payload); len(sps) > 0 {
					if w, h, err := h264SPSSize(sps[0]); err == nil {
						video.Width, video.Height = w, h
					}
				}
				continue
			}
			if pkt := flvVideoPacket(data, tag.Timestamp, payload); pkt != nil {
				d.pending = append(d.pending, flvPendingTag{pkt: pkt})
			}
		}
	}
	if audio != nil {
		d.audio = len(d.streams)
		d.streams = append(d.streams, *audio)
	}
	if video != nil {
		d.video = len(d.streams)
		d.streams = append(d.streams, *video)
	}
	for _, p := range d.pending {
		p.pkt.StreamIndex = d.video
		if p.audio {
			p.pkt.StreamIndex = d.audio
		}
	}
	return nil
}

func flvAudioDescriptor(a *flvtag.AudioData, payload []byte) StreamDescriptor {
	d := StreamDescriptor{
		Type:       MediaTypeAudio,
		TimeBase:   TimeBaseMillis,
		SampleRate: flvSoundRates[int(a.SoundRate)&3],
		Layout:     ChannelLayoutMono,
	}
	if a.SoundType == flvSoundStereo {
		d.Layout = ChannelLayoutStereo
	}
	switch a.SoundFormat {
	case flvSoundPCM, flvSoundPCMLE:
		d.Codec = CodecPCMS16LE
		if a.SoundSize == flvSoundSize8 {
			d.Codec = CodecPCMU8
		}
	case flvSoundALaw, flvSoundMuLaw:
		d.Codec = CodecPCMALaw
		if a.SoundFormat == flvSoundMuLaw {
			d.Codec = CodecPCMMuLaw
		}
		d.SampleRate = 8000
	case flvSoundAAC:
		d.Codec = CodecAAC
		if a.AACPacketType == flvAACHeader {
			if rate, ch, ok := parseAudioSpecificConfig(payload); ok {
				d.SampleRate, d.Layout = rate, ChannelLayout(ch)
			}
		}
	case flvSoundMP3:
		d.Codec = CodecMP3
	default:
		d.Codec = CodecUnknown
	}
	d.SampleFormat = RawSampleFormat(d.Codec)
	return d
}

var aacSampleRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

// parseAudioSpecificConfig extracts the sample rate and channel count from
// an MPEG-4 AudioSpecificConfig (ISO 14496-3 1.6.2.1).
func parseAudioSpecificConfig(b []byte) (rate, channels int, ok bool) {
	if len(b) < 2 {
		return 0, 0, false
	}
	idx := int(b[0]&0x07)<<1 | int(b[1]>>7)
	ch := int(b[1]>>3) & 0x0F
	if idx >= len(aacSampleRates) || ch == 0 {
		return 0, 0, false
	}
	return aacSampleRates[idx], ch, true
}

func flvVideoCodec(id flvtag.CodecID) CodecID {
	if id == flvVideoAVC {
		return CodecH264
	}
	return CodecUnknown
}

func flvAudioPacket(s *StreamDescriptor, ts uint32, payload []byte) *Packet {
	pkt := &Packet{
		PTS:  int64(ts),
		DTS:  int64(ts),
		Key:  true,
		Data: payload,
	}
	if bps := codedSampleSize(s.Codec) * s.Channels(); bps > 0 && s.SampleRate > 0 {
		samples := int64(len(payload) / bps)
		pkt.Duration = Rescale(samples, Rational{1, int64(s.SampleRate)}, TimeBaseMillis)
	}
	return pkt
}

func flvVideoPacket(v *flvtag.VideoData, ts uint32, payload []byte) *Packet {
	if v.CodecID == flvVideoAVC && v.AVCPacketType == flvAVCEndOfSeq {
		return nil
	}
	pts := int64(ts)
	if v.CodecID == flvVideoAVC {
		pts += int64(v.CompositionTime)
	}
	return &Packet{
		PTS:  pts,
		DTS:  int64(ts),
		Key:  v.FrameType == flvKeyFrame,
		Data: payload,
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (d *flvDemuxer) Streams() []StreamDescriptor {
	out := make([]StreamDescriptor, len(d.streams))
	for i, s := range d.streams {
		out[i] = s.Clone()
	}
	return out
}

func (d *flvDemuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	for {
		if len(d.pending) > 0 {
			p := d.pending[0]
			d.pending = d.pending[1:]
			return p.pkt, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		var tag flvtag.FlvTag
		if err := d.dec.Decode(&tag); err != nil {
			if isEOF(err) {
				d.eof = true
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %v", ErrCorruptPacket, err)
		}
		switch data := tag.Data.(type) {
		case *flvtag.AudioData:
			payload, err := io.ReadAll(data.Data)
			if err != nil {
				return nil, err
			}
			if d.audio < 0 || data.SoundFormat == flvSoundAAC && data.AACPacketType == flvAACHeader {
				continue
			}
			pkt := flvAudioPacket(&d.streams[d.audio], tag.Timestamp, payload)
			pkt.StreamIndex = d.audio
			return pkt, nil
		case *flvtag.VideoData:
			payload, err := io.ReadAll(data.Data)
			if err != nil {
				return nil, err
			}
			if d.video < 0 || data.CodecID == flvVideoAVC && data.AVCPacketType == flvAVCHeader {
				continue
			}
			pkt := flvVideoPacket(data, tag.Timestamp, payload)
			if pkt == nil {
				continue
			}
			pkt.StreamIndex = d.video
			return pkt, nil
		}
	}
}

func (d *flvDemuxer) Seek(ctx context.Context, stream int, ts int64) error {
	return ErrNotSupported
}

func (d *flvDemuxer) Close() error { return nil }

type flvMuxer struct {
	bw      *bufio.Writer
	enc     *flv.Encoder
	streams []StreamDescriptor
}

func newFLVMuxer(w io.Writer, streams []StreamDescriptor) (Muxer, error) {
	if err := flvCheckStreams(streams); err != nil {
		return nil, err
	}
	return &flvMuxer{bw: bufio.NewWriter(w), streams: streams}, nil
}

// flvCheckStreams reports whether the streams fit in FLV tags: at most one
// audio and one video stream, H.264 video.
func flvCheckStreams(streams []StreamDescriptor) error {
	var audio, video int
	for _, s := range streams {
		switch s.Type {
		case MediaTypeAudio:
			audio++
			if _, _, _, _, err := flvAudioParams(s); err != nil {
				return err
			}
		case MediaTypeVideo:
			video++
			if s.Codec != CodecH264 {
				return fmt.Errorf("%w: %s in flv", ErrCodecNotSupported, s.Codec)
			}
		default:
			return fmt.Errorf("%w: %s stream in flv", ErrFormatNotSupported, s.Type)
		}
	}
	if audio > 1 || video > 1 || audio+video == 0 {
		return fmt.Errorf("%w: flv carries at most one audio and one video stream", ErrFormatNotSupported)
	}
	return nil
}

func (m *flvMuxer) WriteHeader() error {
	var hasAudio, hasVideo bool
	for _, s := range m.streams {
		hasAudio = hasAudio || s.Type == MediaTypeAudio
		hasVideo = hasVideo || s.Type == MediaTypeVideo
	}
	flags := flv.FlagsAudio | flv.FlagsVideo
	switch {
	case !hasVideo:
		flags = flv.FlagsAudio
	case !hasAudio:
		flags = flv.FlagsVideo
	}
	enc, err := flv.NewEncoder(m.bw, flags)
	if err != nil {
		return err
	}
	m.enc = enc
	for _, s := range m.streams {
		if body := flvSequenceHeaders(s); body != nil {
			if err := m.enc.Encode(&flvtag.FlvTag{TagType: flvTagType(body), Data: body}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *flvMuxer) WritePacket(pkt *Packet) error {
	body, ts, err := flvTagBody(m.streams[pkt.StreamIndex], pkt)
	if err != nil {
		return err
	}
	return m.enc.Encode(&flvtag.FlvTag{
		TagType:   flvTagType(body),
		Timestamp: ts,
		Data:      body,
	})
}

func (m *flvMuxer) WriteTrailer() error { return m.bw.Flush() }

func (m *flvMuxer) Close() error { return nil }
