package transcode

import "encoding/binary"

// G.711 companding (ITU-T G.711), operating on little-endian S16 samples.

var aLawSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}
var muLawSegEnd = [8]int{0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF}

const (
	muLawBias = 0x84
	muLawClip = 8159
)

var aLawTable = func() (t [256]int16) {
	for i := range t {
		t[i] = aLawToLinear(byte(i))
	}
	return
}()

var muLawTable = func() (t [256]int16) {
	for i := range t {
		t[i] = muLawToLinear(byte(i))
	}
	return
}()

func segment(v int, table *[8]int) int {
	for i, end := range table {
		if v <= end {
			return i
		}
	}
	return len(table)
}

func linearToALaw(sample int16) byte {
	v := int(sample) >> 3
	mask := 0xD5
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}
	seg := segment(v, &aLawSegEnd)
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}
	a := seg << 4
	if seg < 2 {
		a |= (v >> 1) & 0x0F
	} else {
		a |= (v >> seg) & 0x0F
	}
	return byte(a ^ mask)
}

func aLawToLinear(a byte) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := int(a&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

func linearToMuLaw(sample int16) byte {
	v := int(sample) >> 2
	mask := 0xFF
	if v < 0 {
		v = -v
		mask = 0x7F
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias >> 2
	seg := segment(v, &muLawSegEnd)
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}
	u := seg<<4 | (v>>(seg+1))&0x0F
	return byte(u ^ mask)
}

func muLawToLinear(u byte) int16 {
	u = ^u
	t := (int(u&0x0F) << 3) + muLawBias
	t <<= int(u&0x70) >> 4
	if u&0x80 != 0 {
		return int16(muLawBias - t)
	}
	return int16(t - muLawBias)
}

func encodeALaw(dst, src []byte) {
	for i := range dst {
		dst[i] = linearToALaw(int16(binary.LittleEndian.Uint16(src[i*2:])))
	}
}

func decodeALaw(dst, src []byte) {
	for i, a := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(aLawTable[a]))
	}
}

func encodeMuLaw(dst, src []byte) {
	for i := range dst {
		dst[i] = linearToMuLaw(int16(binary.LittleEndian.Uint16(src[i*2:])))
	}
}

func decodeMuLaw(dst, src []byte) {
	for i, u := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(muLawTable[u]))
	}
}
