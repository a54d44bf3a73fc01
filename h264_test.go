package transcode

import (
	"bytes"
	"errors"
	"testing"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0xDA, 0x05, 0x07, 0xE4} // 320x240 baseline
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func TestSplitAnnexB(t *testing.T) {
	data := []byte{
		0, 0, 0, 1, 0x67, 0x42,
		0, 0, 1, 0x68, 0xCE,
		0, 0, 0, 1, 0x65, 0x88, 0x84,
	}
	nals := splitAnnexB(data)
	want := [][]byte{{0x67, 0x42}, {0x68, 0xCE}, {0x65, 0x88, 0x84}}
	if len(nals) != len(want) {
		t.Fatalf("Expected %d NAL units, got %d", len(want), len(nals))
	}
	for i := range want {
		if !bytes.Equal(nals[i], want[i]) {
			t.Errorf("NAL %d = %x, want %x", i, nals[i], want[i])
		}
	}
	if splitAnnexB([]byte{0x65, 0x88}) != nil {
		t.Error("Expected no NAL units without a start code")
	}
}

func TestH264Framing(t *testing.T) {
	annexB := []byte{0, 0, 0, 1, 0x65, 0x88, 0, 0, 1, 0x41, 0x9A}
	avcc := []byte{0, 0, 0, 2, 0x65, 0x88, 0, 0, 0, 2, 0x41, 0x9A}

	if got := annexBToAVCC(annexB); !bytes.Equal(got, avcc) {
		t.Errorf("annexBToAVCC = %x, want %x", got, avcc)
	}
	if got := annexBToAVCC(avcc); !bytes.Equal(got, avcc) {
		t.Error("annexBToAVCC changed avcc input")
	}
	got, err := avccToAnnexB(avcc)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0, 0, 0, 1, 0x65, 0x88, 0, 0, 0, 1, 0x41, 0x9A}; !bytes.Equal(got, want) {
		t.Errorf("avccToAnnexB = %x, want %x", got, want)
	}
	if _, err := avccToAnnexB([]byte{0, 0, 0, 9, 0x65}); !errors.Is(err, ErrCorruptPacket) {
		t.Errorf("Expected ErrCorruptPacket for an overlong nal, got %v", err)
	}

	if !h264KeyFrame(annexB) || !h264KeyFrame(avcc) {
		t.Error("Expected IDR access units to be key frames")
	}
	if h264KeyFrame([]byte{0, 0, 0, 2, 0x41, 0x9A}) {
		t.Error("Non-IDR slice reported as key frame")
	}
}

func TestAVCConfigRecord(t *testing.T) {
	rec := avcConfigRecord(testSPS, testPPS)
	if rec[0] != 1 || rec[1] != 0x42 || rec[3] != 0x1E || rec[4] != 0xFF {
		t.Fatalf("Unexpected record header %x", rec[:6])
	}
	sps, pps, err := parseAVCConfigRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(sps) != 1 || !bytes.Equal(sps[0], testSPS) || len(pps) != 1 || !bytes.Equal(pps[0], testPPS) {
		t.Errorf("Parsed sps %x pps %x", sps, pps)
	}

	annexB := joinAnnexB([][]byte{testSPS, testPPS})
	if !bytes.Equal(h264ConfigRecord(annexB), rec) {
		t.Error("Annex B extradata did not convert to the same record")
	}
	if !bytes.Equal(h264ConfigRecord(rec), rec) {
		t.Error("Record extradata was rewritten")
	}
	if !bytes.Equal(h264AnnexBHeaders(rec), annexB) {
		t.Errorf("h264AnnexBHeaders = %x, want %x", h264AnnexBHeaders(rec), annexB)
	}

	for _, bad := range [][]byte{nil, {2, 0, 0, 0, 0xFF, 0xE1, 0}, rec[:len(rec)-2]} {
		if _, _, err := parseAVCConfigRecord(bad); err == nil {
			t.Errorf("Expected error for %x", bad)
		}
	}
	twoByte := append([]byte(nil), rec...)
	twoByte[4] = 0xFD
	if _, _, err := parseAVCConfigRecord(twoByte); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported for 2-byte lengths, got %v", err)
	}
}

func TestH264SPSSize(t *testing.T) {
	tests := []struct {
		name          string
		sps           []byte
		width, height int
	}{
		{"baseline 320x240", testSPS, 320, 240},
		{"cropped 1080p", []byte{0x67, 0x42, 0xC0, 0x28, 0xDA, 0x01, 0xE0, 0x08, 0x9F, 0x95}, 1920, 1080},
		{"high 720p", []byte{0x67, 0x64, 0x00, 0x1F, 0xAC, 0xE8, 0x05, 0x00, 0x5B, 0x90}, 1280, 720},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, err := h264SPSSize(tt.sps)
			if err != nil {
				t.Fatal(err)
			}
			if w != tt.width || h != tt.height {
				t.Errorf("Expected %dx%d, got %dx%d", tt.width, tt.height, w, h)
			}
		})
	}

	if _, _, err := h264SPSSize(testPPS); err == nil {
		t.Error("Expected error for a PPS")
	}
	if _, _, err := h264SPSSize(testSPS[:5]); err == nil {
		t.Error("Expected error for a truncated SPS")
	}
}

func TestRBSP(t *testing.T) {
	got := rbsp([]byte{0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x00})
	if want := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("rbsp = %x, want %x", got, want)
	}
}
