package client

// G.711 mu-law, the PCMU payload of RTP payload type 0.
const (
	pcmuBias = 0x84
	pcmuClip = 32635
)

// EncodePCMU writes one mu-law byte per sample into dst and returns the
// encoded slice. dst is grown when it is too short.
func EncodePCMU(dst []byte, samples []int16) []byte {
	if cap(dst) < len(samples) {
		dst = make([]byte, len(samples))
	}
	dst = dst[:len(samples)]
	for i, s := range samples {
		dst[i] = encodePCMUSample(s)
	}
	return dst
}

func encodePCMUSample(s int16) byte {
	sample := int32(s)
	var sign byte
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > pcmuClip {
		sample = pcmuClip
	}
	sample += pcmuBias

	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodePCMU expands mu-law bytes back to linear samples.
func DecodePCMU(dst []int16, payload []byte) []int16 {
	if cap(dst) < len(payload) {
		dst = make([]int16, len(payload))
	}
	dst = dst[:len(payload)]
	for i, u := range payload {
		dst[i] = decodePCMUSample(u)
	}
	return dst
}

func decodePCMUSample(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	sample := ((mantissa << 3) + pcmuBias) << exponent
	sample -= pcmuBias
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}
