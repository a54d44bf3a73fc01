package transcode

import (
	"fmt"
	"strings"
)

// MediaType classifies an elementary stream.
type MediaType int

const (
	MediaTypeUnknown MediaType = iota
	MediaTypeAudio
	MediaTypeVideo
	MediaTypeSubtitle
	MediaTypeData
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	case MediaTypeSubtitle:
		return "subtitle"
	case MediaTypeData:
		return "data"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t MediaType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MediaType) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "audio":
		*t = MediaTypeAudio
	case "video":
		*t = MediaTypeVideo
	case "subtitle":
		*t = MediaTypeSubtitle
	case "data", "other":
		*t = MediaTypeData
	default:
		return fmt.Errorf("unknown media type %q", b)
	}
	return nil
}

// CodecID identifies a codec.
type CodecID int

const (
	CodecUnknown CodecID = iota

	// Video
	CodecRawVideo
	CodecH264
	CodecH265
	CodecVP8
	CodecVP9
	CodecAV1

	// Audio
	CodecPCMS16LE
	CodecPCMF32LE
	CodecPCMU8
	CodecPCMALaw  // G.711 A-law (PCMA)
	CodecPCMMuLaw // G.711 μ-law (PCMU)
	CodecOpus
	CodecAAC
	CodecMP3

	// Subtitle / data
	CodecText

	codecCount
)

// codecMeta contains static metadata about a codec.
type codecMeta struct {
	Name        string
	Type        MediaType
	MimeType    string
	ClockRate   uint32
	PayloadType uint8
}

// Static metadata table indexed by CodecID.
var codecInfo = [codecCount]codecMeta{
	CodecUnknown:  {"unknown", MediaTypeUnknown, "", 0, 0},
	CodecRawVideo: {"rawvideo", MediaTypeVideo, "video/raw", 90000, 96},
	CodecH264:     {"h264", MediaTypeVideo, "video/H264", 90000, 102},
	CodecH265:     {"h265", MediaTypeVideo, "video/H265", 90000, 104},
	CodecVP8:      {"vp8", MediaTypeVideo, "video/VP8", 90000, 96},
	CodecVP9:      {"vp9", MediaTypeVideo, "video/VP9", 90000, 98},
	CodecAV1:      {"av1", MediaTypeVideo, "video/AV1", 90000, 35},
	CodecPCMS16LE: {"pcm_s16le", MediaTypeAudio, "audio/L16", 0, 97},
	CodecPCMF32LE: {"pcm_f32le", MediaTypeAudio, "audio/L32F", 0, 97},
	CodecPCMU8:    {"pcm_u8", MediaTypeAudio, "audio/L8", 0, 97},
	CodecPCMALaw:  {"pcm_alaw", MediaTypeAudio, "audio/PCMA", 8000, 8},
	CodecPCMMuLaw: {"pcm_mulaw", MediaTypeAudio, "audio/PCMU", 8000, 0},
	CodecOpus:     {"opus", MediaTypeAudio, "audio/opus", 48000, 111},
	CodecAAC:      {"aac", MediaTypeAudio, "audio/AAC", 0, 97},
	CodecMP3:      {"mp3", MediaTypeAudio, "audio/MPA", 90000, 14},
	CodecText:     {"text", MediaTypeSubtitle, "text/plain", 1000, 98},
}

// codecAliases maps alternative spellings accepted by ParseCodec.
var codecAliases = map[string]CodecID{
	"raw":   CodecRawVideo,
	"avc":   CodecH264,
	"hevc":  CodecH265,
	"pcm":   CodecPCMS16LE,
	"s16le": CodecPCMS16LE,
	"f32le": CodecPCMF32LE,
	"pcma":  CodecPCMALaw,
	"alaw":  CodecPCMALaw,
	"pcmu":  CodecPCMMuLaw,
	"mulaw": CodecPCMMuLaw,
	"ulaw":  CodecPCMMuLaw,
}

func (c CodecID) String() string {
	if c < 0 || c >= codecCount {
		return "unknown"
	}
	return codecInfo[c].Name
}

// Type returns the media type the codec carries.
func (c CodecID) Type() MediaType {
	if c < 0 || c >= codecCount {
		return MediaTypeUnknown
	}
	return codecInfo[c].Type
}

// MimeType returns the RTP/WebRTC MIME type for this codec.
func (c CodecID) MimeType() string {
	if c < 0 || c >= codecCount {
		return ""
	}
	return codecInfo[c].MimeType
}

// ClockRate returns the RTP clock rate for this codec.
// Zero means the clock follows the stream's sample rate.
func (c CodecID) ClockRate() uint32 {
	if c < 0 || c >= codecCount {
		return 0
	}
	return codecInfo[c].ClockRate
}

// DefaultPayloadType returns a typical RTP payload type for this codec.
// Note: Actual payload type is negotiated via SDP.
func (c CodecID) DefaultPayloadType() uint8 {
	if c < 0 || c >= codecCount {
		return 96
	}
	return codecInfo[c].PayloadType
}

// IsPCM reports whether the codec is an uncompressed PCM variant.
func (c CodecID) IsPCM() bool {
	switch c {
	case CodecPCMS16LE, CodecPCMF32LE, CodecPCMU8:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c CodecID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CodecID) UnmarshalText(b []byte) error {
	id, err := ParseCodec(string(b))
	if err != nil {
		return err
	}
	*c = id
	return nil
}

// ParseCodec resolves a codec name such as "pcm_s16le" or "h264".
func ParseCodec(name string) (CodecID, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for id := CodecID(1); id < codecCount; id++ {
		if codecInfo[id].Name == n {
			return id, nil
		}
	}
	if id, ok := codecAliases[n]; ok {
		return id, nil
	}
	return CodecUnknown, fmt.Errorf("%w: %q", ErrCodecNotSupported, name)
}
