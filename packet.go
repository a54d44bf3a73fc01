package transcode

// Packet is a compressed data unit of one elementary stream.
// Timestamps are expressed in the owning stream's time base.
//
// A packet is read-only once produced. Ownership moves from the demuxer to
// the decoder (or straight to the mux writer for stream copy) and is then
// released.
type Packet struct {
	StreamIndex int
	PTS         int64 // Presentation timestamp (NoPTS if unknown)
	DTS         int64 // Decode timestamp (NoPTS if unknown)
	Duration    int64
	Key         bool   // Keyframe / random access point
	Data        []byte // Encoded bitstream data
}

// Clone creates a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	clone := *p
	if p.Data != nil {
		clone.Data = make([]byte, len(p.Data))
		copy(clone.Data, p.Data)
	}
	return &clone
}

// OrderTS returns the timestamp used to interleave the packet: DTS when set,
// PTS otherwise.
func (p *Packet) OrderTS() int64 {
	if p.DTS != NoPTS {
		return p.DTS
	}
	return p.PTS
}

// Rescale converts all timestamps of the packet from one time base to another.
func (p *Packet) Rescale(from, to Rational) {
	if from == to {
		return
	}
	p.PTS = Rescale(p.PTS, from, to)
	p.DTS = Rescale(p.DTS, from, to)
	if p.Duration > 0 {
		p.Duration = Rescale(p.Duration, from, to)
	}
}
