// Package transcode converts media between containers and codecs.
//
// A Job reads one Source, maps its elementary streams to output streams and
// writes one Sink. Every mapped stream runs on its own goroutine:
//
//	Source -> DemuxReader -> DecoderStage -> [AudioResampler|VideoRescaler] -> EncoderStage -> MuxWriter -> Sink
//
// Streams whose parameters do not change are copied without decoding, and
// the resampler or rescaler only runs when the raw formats differ. The mux
// writer interleaves packets by timestamp within a bounded reorder window
// and blocks writers that run too far ahead, which bounds memory.
//
// # Jobs
//
//	p := transcode.NewPipeline(transcode.DefaultPipelineConfig())
//	defer p.Close()
//	h, err := p.Submit(ctx, transcode.Job{
//		Source: transcode.FileSource("in.wav"),
//		Sink:   transcode.FileSink("out.wav"),
//		Config: transcode.JobConfig{Streams: []transcode.StreamConfig{
//			{Type: transcode.MediaTypeAudio, SampleRate: 16000, Layout: transcode.ChannelLayoutMono},
//		}},
//	})
//	res, err := h.Wait(ctx)
//
// Every job ends in exactly one of Completed, Failed or Cancelled. Failed and
// cancelled results carry a *PipelineError whose Kind classifies the
// failure; match it with errors.Is(err, transcode.DecodeError).
//
// # Codecs and Containers
//
// Builtin (pure Go): PCM s16le/f32le/u8, G.711 A-law and μ-law, rawvideo;
// wav, y4m and flv read/write, rtp (RFC 4571 framed) write, and the
// synthetic testsrc input. Opus is available when libstream_opus can be
// loaded (purego, disable with the noopus tag), and H.264 (x264 encoder,
// OpenH264 decoder) when libmedia_h264 can (noh264 tag). Building with the libav tag
// adds FFmpeg demuxing and decoding through go-astiav.
//
// Network outputs: RTMPSink publishes FLV tags to an RTMP server and
// TrackSink feeds pion WebRTC tracks.
package transcode
