// Package hasher implements Shabal-256 and the PoC deadline math built on it:
// scoop selection, generation signature decoding and best-deadline search.
package hasher

import (
	"encoding/binary"
	"math/bits"
)

const (
	// Size is the Shabal-256 digest length in bytes.
	Size = 32
	// BlockSize is the Shabal message block length in bytes.
	BlockSize = 64
)

var aInit = [12]uint32{
	0x52F84552, 0xE54B7999, 0x2D8EE3EC, 0xB9645191,
	0xE0078B86, 0xBB7C44C9, 0xD2B5C1CA, 0xB0D2EB8C,
	0x14CE5A45, 0x22AF50DC, 0xEFFDBC6B, 0xEB21B74A,
}

var bInit = [16]uint32{
	0xB555C6EE, 0x3E710596, 0xA72A652F, 0x9301515F,
	0xDA28C1FA, 0x696FD868, 0x9CB6BF72, 0x0AFE4002,
	0xA6E03615, 0x5138C1D4, 0xBE216306, 0xB38B8890,
	0x3EA8B96B, 0x3299ACE4, 0x30924DD4, 0x55CB34A5,
}

var cInit = [16]uint32{
	0xB405F031, 0xC4233EBA, 0xB3733979, 0xC0DD9D55,
	0xC51C28AE, 0xA327B8E1, 0x56C56167, 0xED614433,
	0x88B59D60, 0x60E2CEBA, 0x758B4B8B, 0x83E82A7F,
	0xBC968828, 0xE6E00BF7, 0xBA839E55, 0x9B491C60,
}

// permIndex holds the per-step word indices of the Shabal permutation:
// a0, a1, b0, b1, b2, b3, c.
var permIndex = func() (idx [48][7]int) {
	for k := 0; k < 48; k++ {
		idx[k] = [7]int{
			k % 12,
			(k + 11) % 12,
			k % 16,
			(k + 13) % 16,
			(k + 9) % 16,
			(k + 6) % 16,
			((8-k)%16 + 16) % 16,
		}
	}
	return idx
}()

// state is the scalar Shabal-256 internal state.
type state struct {
	a     [12]uint32
	b     [16]uint32
	c     [16]uint32
	wLow  uint32
	wHigh uint32
}

func (s *state) reset() {
	s.a = aInit
	s.b = bInit
	s.c = cInit
	s.wLow = 1
	s.wHigh = 0
}

func (s *state) xorW() {
	s.a[0] ^= s.wLow
	s.a[1] ^= s.wHigh
}

func (s *state) incrW() {
	s.wLow++
	if s.wLow == 0 {
		s.wHigh++
	}
}

func (s *state) permute(m *[16]uint32) {
	for i := range s.b {
		s.b[i] = bits.RotateLeft32(s.b[i], 17)
	}
	for k := 0; k < 48; k++ {
		ix := &permIndex[k]
		a1 := s.a[ix[1]]
		a0 := ((s.a[ix[0]] ^ (bits.RotateLeft32(a1, 15) * 5) ^ s.c[ix[6]]) * 3) ^
			s.b[ix[3]] ^ (s.b[ix[4]] &^ s.b[ix[5]]) ^ m[k%16]
		s.a[ix[0]] = a0
		s.b[ix[2]] = ^(bits.RotateLeft32(s.b[ix[2]], 1) ^ a0)
	}
	for i := 0; i < 12; i++ {
		s.a[i] += s.c[(i+11)%16] + s.c[(i+15)%16] + s.c[(i+3)%16]
	}
}

// block absorbs one full message block.
func (s *state) block(m *[16]uint32) {
	for i := range s.b {
		s.b[i] += m[i]
	}
	s.xorW()
	s.permute(m)
	for i := range s.c {
		s.c[i] -= m[i]
	}
	s.b, s.c = s.c, s.b
	s.incrW()
}

// final absorbs the padded last block and runs the three extra rounds.
func (s *state) final(m *[16]uint32) {
	for i := range s.b {
		s.b[i] += m[i]
	}
	s.xorW()
	s.permute(m)
	for k := 0; k < 3; k++ {
		s.b, s.c = s.c, s.b
		s.xorW()
		s.permute(m)
	}
}

func (s *state) sum(out []byte) {
	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], s.b[8+i])
	}
}

func loadWords(m *[16]uint32, p []byte) {
	for i := range m {
		m[i] = binary.LittleEndian.Uint32(p[i*4:])
	}
}

// Sum256 returns the Shabal-256 digest of msg.
func Sum256(msg []byte) [Size]byte {
	var st state
	st.reset()
	var m [16]uint32
	for len(msg) >= BlockSize {
		loadWords(&m, msg)
		st.block(&m)
		msg = msg[BlockSize:]
	}
	var tail [BlockSize]byte
	copy(tail[:], msg)
	tail[len(msg)] = 0x80
	loadWords(&m, tail[:])
	st.final(&m)

	var out [Size]byte
	st.sum(out[:])
	return out
}
