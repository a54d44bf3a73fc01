package transcode

import (
	"errors"
	"testing"
)

// scriptedDecoder emits one small video frame per packet, stamped with the
// packet PTS, so tests control decode order.
type scriptedDecoder struct {
	width    int
	pending  []*Frame
	draining bool
	failOn   int64 // PTS that makes SendPacket fail; 0 disables
}

func (d *scriptedDecoder) SendPacket(pkt *Packet) error {
	if pkt == nil {
		d.draining = true
		return nil
	}
	if d.failOn != 0 && pkt.PTS == d.failOn {
		return errors.New("bitstream error")
	}
	w := d.width
	if w == 0 {
		w = 4
	}
	if len(pkt.Data) > 0 {
		w = int(pkt.Data[0])
	}
	f := NewVideoFrame(w, 4, PixelFormatI420)
	f.PTS = pkt.PTS
	f.Duration = 0
	d.pending = append(d.pending, f)
	return nil
}

func (d *scriptedDecoder) ReceiveFrame() (*Frame, error) {
	if len(d.pending) > 0 {
		f := d.pending[0]
		d.pending = d.pending[1:]
		return f, nil
	}
	if d.draining {
		return nil, ErrEndOfStream
	}
	return nil, ErrNeedMoreInput
}

func (d *scriptedDecoder) Close() error { return nil }

func decodeAll(t *testing.T, s *DecoderStage, pts []int64) []int64 {
	t.Helper()
	var out []int64
	for _, ts := range pts {
		if err := s.Feed(&Packet{PTS: ts, DTS: NoPTS}); err != nil {
			t.Fatalf("Feed(%d): %v", ts, err)
		}
		for f, err := range s.Frames() {
			if err != nil {
				t.Fatalf("ReceiveFrame: %v", err)
			}
			out = append(out, f.PTS)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for f, err := range s.Frames() {
		if err != nil {
			t.Fatalf("ReceiveFrame: %v", err)
		}
		out = append(out, f.PTS)
	}
	if _, err := s.ReceiveFrame(); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Expected ErrEndOfStream after drain, got %v", err)
	}
	return out
}

func videoDesc() StreamDescriptor {
	d := rawVideoStream(4, 4, 30)
	d.Codec = CodecH264
	return d
}

func TestDecoderStage_RestoresPresentationOrder(t *testing.T) {
	s := NewDecoderStage(videoDesc(), &scriptedDecoder{}, 2, testLogger(t))

	got := decodeAll(t, s, []int64{0, 3, 1, 2, 6, 4, 5})
	want := []int64{0, 1, 2, 3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d: PTS %d, want %d", i, got[i], want[i])
		}
	}
	stats := s.Stats()
	if stats.UnitsIn != 7 || stats.UnitsOut != 7 {
		t.Errorf("Expected 7 in / 7 out, got %d / %d", stats.UnitsIn, stats.UnitsOut)
	}
	if stats.CorrectedTimestamps != 0 {
		t.Errorf("Expected no corrections, got %d", stats.CorrectedTimestamps)
	}
}

func TestDecoderStage_RepairsTimestamps(t *testing.T) {
	s := NewDecoderStage(videoDesc(), &scriptedDecoder{}, 0, testLogger(t))

	got := decodeAll(t, s, []int64{NoPTS, 5, 5, 3, NoPTS})
	want := []int64{0, 5, 6, 7, 8}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
	if c := s.Stats().CorrectedTimestamps; c != 4 {
		t.Errorf("CorrectedTimestamps = %d, want 4", c)
	}
}

func TestDecoderStage_DerivesDuration(t *testing.T) {
	s := NewDecoderStage(videoDesc(), &scriptedDecoder{}, 0, testLogger(t))
	if err := s.Feed(&Packet{PTS: 0}); err != nil {
		t.Fatal(err)
	}
	f, err := s.ReceiveFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Duration != 1 || f.TimeBase != (Rational{1, 30}) {
		t.Errorf("Expected one tick of 1/30, got %d of %s", f.Duration, f.TimeBase)
	}
}

func TestDecoderStage_Errors(t *testing.T) {
	t.Run("reconfiguration", func(t *testing.T) {
		desc := videoDesc()
		desc.Index = 3
		s := NewDecoderStage(desc, &scriptedDecoder{}, 0, testLogger(t))
		if err := s.Feed(&Packet{PTS: 0}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ReceiveFrame(); err != nil {
			t.Fatal(err)
		}
		if err := s.Feed(&Packet{PTS: 1, Data: []byte{8}}); err != nil {
			t.Fatal(err)
		}
		_, err := s.ReceiveFrame()
		if !errors.Is(err, ErrReconfiguration) || !errors.Is(err, DecodeError) {
			t.Fatalf("Expected DecodeError wrapping ErrReconfiguration, got %v", err)
		}
		var pe *PipelineError
		if errors.As(err, &pe) && pe.StreamIndex != 3 {
			t.Errorf("Expected stream 3, got %d", pe.StreamIndex)
		}
	})

	t.Run("descriptor mismatch", func(t *testing.T) {
		s := NewDecoderStage(videoDesc(), &scriptedDecoder{width: 6}, 0, testLogger(t))
		if err := s.Feed(&Packet{PTS: 0}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ReceiveFrame(); !errors.Is(err, ErrReconfiguration) {
			t.Errorf("Expected ErrReconfiguration, got %v", err)
		}
	})

	t.Run("codec error", func(t *testing.T) {
		s := NewDecoderStage(videoDesc(), &scriptedDecoder{failOn: 2}, 0, testLogger(t))
		if err := s.Feed(&Packet{PTS: 1}); err != nil {
			t.Fatal(err)
		}
		if err := s.Feed(&Packet{PTS: 2}); !errors.Is(err, DecodeError) {
			t.Errorf("Expected DecodeError, got %v", err)
		}
	})

	t.Run("feed after flush", func(t *testing.T) {
		s := NewDecoderStage(videoDesc(), &scriptedDecoder{}, 0, testLogger(t))
		if err := s.Flush(); err != nil {
			t.Fatal(err)
		}
		if err := s.Feed(&Packet{PTS: 0}); !errors.Is(err, DecodeError) {
			t.Errorf("Expected DecodeError, got %v", err)
		}
	})
}
