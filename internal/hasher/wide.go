package hasher

import (
	"math"
	"math/bits"
)

// lanes is the number of messages hashed side by side by the wide tier.
const lanes = 4

type vec [lanes]uint32

// wideState is a structure-of-arrays Shabal state holding four independent
// hashes that share the block counter.
type wideState struct {
	a     [12]vec
	b     [16]vec
	c     [16]vec
	wLow  uint32
	wHigh uint32
}

func broadcast(v uint32) vec { return vec{v, v, v, v} }

func (s *wideState) reset() {
	for i, v := range aInit {
		s.a[i] = broadcast(v)
	}
	for i, v := range bInit {
		s.b[i] = broadcast(v)
	}
	for i, v := range cInit {
		s.c[i] = broadcast(v)
	}
	s.wLow = 1
	s.wHigh = 0
}

func (s *wideState) xorW() {
	for l := 0; l < lanes; l++ {
		s.a[0][l] ^= s.wLow
		s.a[1][l] ^= s.wHigh
	}
}

func (s *wideState) permute(m *[16]vec) {
	for i := range s.b {
		for l := 0; l < lanes; l++ {
			s.b[i][l] = bits.RotateLeft32(s.b[i][l], 17)
		}
	}
	for k := 0; k < 48; k++ {
		ix := &permIndex[k]
		xa0, xa1 := &s.a[ix[0]], &s.a[ix[1]]
		xb0, xb1, xb2, xb3 := &s.b[ix[2]], &s.b[ix[3]], &s.b[ix[4]], &s.b[ix[5]]
		xc, xm := &s.c[ix[6]], &m[k%16]
		for l := 0; l < lanes; l++ {
			a0 := ((xa0[l] ^ (bits.RotateLeft32(xa1[l], 15) * 5) ^ xc[l]) * 3) ^
				xb1[l] ^ (xb2[l] &^ xb3[l]) ^ xm[l]
			xa0[l] = a0
			xb0[l] = ^(bits.RotateLeft32(xb0[l], 1) ^ a0)
		}
	}
	for i := 0; i < 12; i++ {
		c0, c1, c2 := &s.c[(i+11)%16], &s.c[(i+15)%16], &s.c[(i+3)%16]
		for l := 0; l < lanes; l++ {
			s.a[i][l] += c0[l] + c1[l] + c2[l]
		}
	}
}

func (s *wideState) addB(m *[16]vec) {
	for i := range s.b {
		for l := 0; l < lanes; l++ {
			s.b[i][l] += m[i][l]
		}
	}
}

func (s *wideState) block(m *[16]vec) {
	s.addB(m)
	s.xorW()
	s.permute(m)
	for i := range s.c {
		for l := 0; l < lanes; l++ {
			s.c[i][l] -= m[i][l]
		}
	}
	s.b, s.c = s.c, s.b
	s.wLow++
	if s.wLow == 0 {
		s.wHigh++
	}
}

func (s *wideState) final(m *[16]vec) {
	s.addB(m)
	s.xorW()
	s.permute(m)
	for k := 0; k < 3; k++ {
		s.b, s.c = s.c, s.b
		s.xorW()
		s.permute(m)
	}
}

// Wide hashes four records per pass using an interleaved state and falls
// back to the scalar path for the trailing records.
type Wide struct{}

// Name implements Searcher.
func (Wide) Name() string { return TierWide }

// FindBestDeadline implements Searcher.
func (Wide) FindBestDeadline(records []byte, count uint64, gensig *[32]byte) (uint64, uint64) {
	count = clampCount(records, count)
	best, bestOffset := uint64(math.MaxUint64), uint64(0)

	var m1, m2 [16]vec
	for w := 0; w < 8; w++ {
		m1[w] = broadcast(leWord(gensig[:], w))
	}
	m2[8] = broadcast(0x80)

	var st wideState
	full := count - count%lanes
	for i := uint64(0); i < full; i += lanes {
		for l := 0; l < lanes; l++ {
			rec := records[(i+uint64(l))*ScoopSize:]
			for w := 0; w < 8; w++ {
				m1[8+w][l] = leWord(rec, w)
				m2[w][l] = leWord(rec, 8+w)
			}
		}
		st.reset()
		st.block(&m1)
		st.final(&m2)
		for l := 0; l < lanes; l++ {
			d := uint64(st.b[8][l]) | uint64(st.b[9][l])<<32
			if d < best {
				best, bestOffset = d, i+uint64(l)
			}
		}
	}

	if full < count {
		d, off := Scalar{}.FindBestDeadline(records[full*ScoopSize:], count-full, gensig)
		if d < best {
			best, bestOffset = d, full+off
		}
	}
	return best, bestOffset
}
