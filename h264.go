package transcode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// H.264 access units travel in one of two framings. Annex B delimits NAL
// units with 0x000001 / 0x00000001 start codes (x264 output, RTP
// payloaders, WebRTC samples). AVCC prefixes every NAL unit with its 4-byte
// big-endian length and carries SPS/PPS in an AVCDecoderConfigurationRecord
// (FLV and RTMP).

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	h264NALSlice = 1
	h264NALIDR   = 5
	h264NALSEI   = 6
	h264NALSPS   = 7
	h264NALPPS   = 8
	h264NALAUD   = 9
)

var annexBStartCode = []byte{0, 0, 0, 1}

// isAnnexB reports whether data begins with a 3 or 4 byte start code.
func isAnnexB(data []byte) bool {
	if len(data) < 3 || data[0] != 0 || data[1] != 0 {
		return false
	}
	return data[2] == 1 || len(data) >= 4 && data[2] == 0 && data[3] == 1
}

func nalType(nal []byte) byte {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// splitAnnexB returns the NAL units of an Annex B buffer without their start
// codes.
func splitAnnexB(data []byte) [][]byte {
	var nals [][]byte
	start := -1
	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				nals = appendNAL(nals, data[start:i])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nals = appendNAL(nals, data[start:])
	}
	return nals
}

// appendNAL drops the trailing zero that belongs to a following 4-byte start
// code. A NAL unit never ends in a zero byte.
func appendNAL(nals [][]byte, nal []byte) [][]byte {
	for len(nal) > 0 && nal[len(nal)-1] == 0 {
		nal = nal[:len(nal)-1]
	}
	if len(nal) > 0 {
		nals = append(nals, nal)
	}
	return nals
}

// splitAVCC returns the NAL units of a length-prefixed buffer.
func splitAVCC(data []byte) ([][]byte, error) {
	var nals [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated avcc length", ErrCorruptPacket)
		}
		n := binary.BigEndian.Uint32(data)
		data = data[4:]
		if uint64(n) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: avcc nal of %d bytes exceeds packet", ErrCorruptPacket, n)
		}
		if n > 0 {
			nals = append(nals, data[:n])
		}
		data = data[n:]
	}
	return nals, nil
}

// h264NALs splits an access unit in either framing.
func h264NALs(data []byte) ([][]byte, error) {
	if isAnnexB(data) {
		return splitAnnexB(data), nil
	}
	return splitAVCC(data)
}

func joinAnnexB(nals [][]byte) []byte {
	var n int
	for _, nal := range nals {
		n += len(annexBStartCode) + len(nal)
	}
	out := make([]byte, 0, n)
	for _, nal := range nals {
		out = append(out, annexBStartCode...)
		out = append(out, nal...)
	}
	return out
}

func joinAVCC(nals [][]byte) []byte {
	var n int
	for _, nal := range nals {
		n += 4 + len(nal)
	}
	out := make([]byte, 0, n)
	for _, nal := range nals {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nal)))
		out = append(out, nal...)
	}
	return out
}

// annexBToAVCC converts an Annex B access unit to length-prefixed form.
// Data that is not Annex B is returned unchanged.
func annexBToAVCC(data []byte) []byte {
	if !isAnnexB(data) {
		return data
	}
	return joinAVCC(splitAnnexB(data))
}

// avccToAnnexB converts a length-prefixed access unit to Annex B. Data that
// already is Annex B is returned unchanged.
func avccToAnnexB(data []byte) ([]byte, error) {
	if isAnnexB(data) {
		return data, nil
	}
	nals, err := splitAVCC(data)
	if err != nil {
		return nil, err
	}
	return joinAnnexB(nals), nil
}

// h264KeyFrame reports whether an access unit contains an IDR slice.
func h264KeyFrame(data []byte) bool {
	nals, err := h264NALs(data)
	if err != nil {
		return false
	}
	for _, nal := range nals {
		if nalType(nal) == h264NALIDR {
			return true
		}
	}
	return false
}

// avcConfigRecord builds an AVCDecoderConfigurationRecord (ISO/IEC
// 14496-15 5.2.4.1) with 4-byte NAL lengths.
func avcConfigRecord(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	rec := []byte{1, sps[1], sps[2], sps[3], 0xFF, 0xE1}
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 1)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(pps)))
	return append(rec, pps...)
}

// parseAVCConfigRecord returns the parameter sets of an
// AVCDecoderConfigurationRecord.
func parseAVCConfigRecord(rec []byte) (sps, pps [][]byte, err error) {
	if len(rec) < 7 || rec[0] != 1 {
		return nil, nil, errors.New("avcC: bad header")
	}
	if rec[4]&3 != 3 {
		return nil, nil, fmt.Errorf("%w: avcC with %d-byte nal lengths", ErrNotSupported, rec[4]&3+1)
	}
	p := rec[5:]
	readSets := func(count int) ([][]byte, error) {
		var sets [][]byte
		for i := 0; i < count; i++ {
			if len(p) < 2 {
				return nil, errors.New("avcC: truncated")
			}
			n := int(binary.BigEndian.Uint16(p))
			if len(p) < 2+n {
				return nil, errors.New("avcC: truncated")
			}
			sets = append(sets, p[2:2+n])
			p = p[2+n:]
		}
		return sets, nil
	}
	n := int(p[0] & 0x1F)
	p = p[1:]
	if sps, err = readSets(n); err != nil {
		return nil, nil, err
	}
	if len(p) < 1 {
		return nil, nil, errors.New("avcC: missing pps count")
	}
	n = int(p[0])
	p = p[1:]
	if pps, err = readSets(n); err != nil {
		return nil, nil, err
	}
	return sps, pps, nil
}

// h264ParameterSets returns the SPS and PPS carried by stream extradata in
// either framing.
func h264ParameterSets(extradata []byte) (sps, pps [][]byte) {
	if isAnnexB(extradata) {
		for _, nal := range splitAnnexB(extradata) {
			switch nalType(nal) {
			case h264NALSPS:
				sps = append(sps, nal)
			case h264NALPPS:
				pps = append(pps, nal)
			}
		}
		return sps, pps
	}
	sps, pps, _ = parseAVCConfigRecord(extradata)
	return sps, pps
}

// h264AnnexBHeaders returns the parameter sets of extradata as an Annex B
// prefix for key frames, or nil.
func h264AnnexBHeaders(extradata []byte) []byte {
	sps, pps := h264ParameterSets(extradata)
	if len(sps) == 0 || len(pps) == 0 {
		return nil
	}
	return joinAnnexB(append(sps, pps...))
}

// h264ConfigRecord returns extradata as an AVCDecoderConfigurationRecord.
// Anything that is not Annex B is assumed to be one already.
func h264ConfigRecord(extradata []byte) []byte {
	if !isAnnexB(extradata) {
		return extradata
	}
	sps, pps := h264ParameterSets(extradata)
	if len(sps) == 0 || len(pps) == 0 {
		return nil
	}
	return avcConfigRecord(sps[0], pps[0])
}

// bitReader reads an RBSP (emulation prevention bytes removed) MSB first.
type bitReader struct {
	data []byte
	pos  int
}

func (b *bitReader) bit() (uint32, error) {
	if b.pos >= len(b.data)*8 {
		return 0, errors.New("sps: truncated")
	}
	v := b.data[b.pos/8] >> (7 - b.pos%8) & 1
	b.pos++
	return uint32(v), nil
}

func (b *bitReader) bits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		bit, err := b.bit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | bit
	}
	return v, nil
}

// ue reads an unsigned Exp-Golomb code.
func (b *bitReader) ue() (uint32, error) {
	zeros := 0
	for {
		bit, err := b.bit()
		if err != nil {
			return 0, err
		}
		if bit == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errors.New("sps: bad exp-golomb code")
		}
	}
	rest, err := b.bits(zeros)
	if err != nil {
		return 0, err
	}
	return (1<<zeros - 1) + rest, nil
}

// se reads a signed Exp-Golomb code.
func (b *bitReader) se() (int32, error) {
	v, err := b.ue()
	if err != nil {
		return 0, err
	}
	if v&1 == 1 {
		return int32(v/2 + 1), nil
	}
	return -int32(v / 2), nil
}

// rbsp strips emulation prevention bytes (0x000003).
func rbsp(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeros := 0
	for _, c := range nal {
		if zeros >= 2 && c == 3 {
			zeros = 0
			continue
		}
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, c)
	}
	return out
}

// h264SPSSize returns the cropped picture size coded in a sequence
// parameter set NAL unit (ITU-T H.264 7.3.2.1.1).
func h264SPSSize(sps []byte) (width, height int, err error) {
	if nalType(sps) != h264NALSPS || len(sps) < 4 {
		return 0, 0, errors.New("sps: not a sequence parameter set")
	}
	profile := sps[1]
	b := &bitReader{data: rbsp(sps[4:])}
	// Each step reads one syntax element; the first error sticks.
	var e error
	ue := func() uint32 {
		if e != nil {
			return 0
		}
		var v uint32
		v, e = b.ue()
		return v
	}
	se := func() int32 {
		if e != nil {
			return 0
		}
		var v int32
		v, e = b.se()
		return v
	}
	flag := func() bool {
		if e != nil {
			return false
		}
		var v uint32
		v, e = b.bit()
		return v == 1
	}

	ue() // seq_parameter_set_id
	chroma := uint32(1)
	var separatePlanes bool
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chroma = ue()
		if chroma == 3 {
			separatePlanes = flag()
		}
		ue() // bit_depth_luma_minus8
		ue() // bit_depth_chroma_minus8
		flag()
		if flag() { // seq_scaling_matrix_present_flag
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if !flag() {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				last, next := int32(8), int32(8)
				for j := 0; j < size; j++ {
					if next != 0 {
						next = (last + se() + 256) % 256
					}
					if next != 0 {
						last = next
					}
				}
			}
		}
	}
	ue() // log2_max_frame_num_minus4
	switch ue() { // pic_order_cnt_type
	case 0:
		ue()
	case 1:
		flag()
		se()
		se()
		n := ue()
		for i := uint32(0); i < n && e == nil; i++ {
			se()
		}
	}
	ue() // max_num_ref_frames
	flag()
	mbWidth := ue() + 1
	mapHeight := ue() + 1
	frameMBsOnly := flag()
	if !frameMBsOnly {
		flag()
	}
	flag() // direct_8x8_inference_flag
	var cropLeft, cropRight, cropTop, cropBottom uint32
	if flag() {
		cropLeft, cropRight, cropTop, cropBottom = ue(), ue(), ue(), ue()
	}
	if e != nil {
		return 0, 0, e
	}

	fieldFactor := uint32(2)
	if frameMBsOnly {
		fieldFactor = 1
	}
	cropX, cropY := uint32(1), fieldFactor
	if !separatePlanes && chroma != 0 {
		if chroma == 1 || chroma == 2 {
			cropX = 2
		}
		if chroma == 1 {
			cropY = 2 * fieldFactor
		}
	}
	w := mbWidth*16 - cropX*(cropLeft+cropRight)
	h := fieldFactor*mapHeight*16 - cropY*(cropTop+cropBottom)
	if int32(w) <= 0 || int32(h) <= 0 {
		return 0, 0, errors.New("sps: cropping exceeds picture")
	}
	return int(w), int(h), nil
}
