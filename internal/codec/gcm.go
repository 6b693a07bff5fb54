package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

const blockSize = 16

// GCM caps a single message at 2^32-2 blocks of plaintext.
const maxPlaintext = (1<<32 - 2) * blockSize

var errTooLarge = errors.New("plaintext exceeds the AES-GCM message limit")

// fieldElement is an element of GF(2^128) in GCM bit order: low holds the
// first eight bytes of the block.
type fieldElement struct {
	low, high uint64
}

var reductionTable = [16]uint16{
	0x0000, 0x1c20, 0x3840, 0x2460, 0x7080, 0x6ca0, 0x48c0, 0x54e0,
	0xe100, 0xfd20, 0xd940, 0xc560, 0x9180, 0x8da0, 0xa9c0, 0xb5e0,
}

// gcmStream is AES-GCM over a message of unknown length with no additional
// data. Plaintext is fed through xor and the resulting ciphertext through
// hash, in any chunking; sum finalises the tag.
type gcmStream struct {
	block   cipher.Block
	table   [16]fieldElement
	counter [blockSize]byte
	tagMask [blockSize]byte

	keystream [blockSize]byte
	ksUsed    int

	y          fieldElement
	partial    [blockSize]byte
	partialLen int
	length     uint64
}

func newGCMStream(key, iv []byte) (*gcmStream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	s := &gcmStream{block: block, ksUsed: blockSize}

	var h [blockSize]byte
	block.Encrypt(h[:], h[:])
	x := fieldElement{binary.BigEndian.Uint64(h[:8]), binary.BigEndian.Uint64(h[8:])}
	s.table[reverseBits(1)] = x
	for i := 2; i < 16; i += 2 {
		s.table[reverseBits(i)] = double(&s.table[reverseBits(i/2)])
		s.table[reverseBits(i+1)] = add(&s.table[reverseBits(i)], &x)
	}

	// Pre-counter block for IVs that are not 96 bits long.
	var y fieldElement
	s.update(&y, iv)
	y.high ^= uint64(len(iv)) * 8
	s.mul(&y)
	binary.BigEndian.PutUint64(s.counter[:8], y.low)
	binary.BigEndian.PutUint64(s.counter[8:], y.high)

	block.Encrypt(s.tagMask[:], s.counter[:])
	inc32(&s.counter)
	return s, nil
}

// xor applies the keystream to src, writing into dst.
func (s *gcmStream) xor(dst, src []byte) {
	for len(src) > 0 {
		if s.ksUsed == blockSize {
			s.block.Encrypt(s.keystream[:], s.counter[:])
			inc32(&s.counter)
			s.ksUsed = 0
		}
		n := subtle.XORBytes(dst, src, s.keystream[s.ksUsed:])
		s.ksUsed += n
		dst = dst[n:]
		src = src[n:]
	}
}

// hash absorbs ciphertext into the running GHASH.
func (s *gcmStream) hash(c []byte) {
	s.length += uint64(len(c))
	if s.partialLen > 0 {
		n := copy(s.partial[s.partialLen:], c)
		s.partialLen += n
		c = c[n:]
		if s.partialLen < blockSize {
			return
		}
		s.updateBlocks(&s.y, s.partial[:])
		s.partialLen = 0
	}
	full := len(c) &^ (blockSize - 1)
	s.updateBlocks(&s.y, c[:full])
	s.partialLen = copy(s.partial[:], c[full:])
}

// sum returns the authentication tag for everything hashed so far.
func (s *gcmStream) sum() [blockSize]byte {
	y := s.y
	if s.partialLen > 0 {
		var last [blockSize]byte
		copy(last[:], s.partial[:s.partialLen])
		s.updateBlocks(&y, last[:])
	}
	y.high ^= s.length * 8
	s.mul(&y)

	var tag [blockSize]byte
	binary.BigEndian.PutUint64(tag[:8], y.low)
	binary.BigEndian.PutUint64(tag[8:], y.high)
	subtle.XORBytes(tag[:], tag[:], s.tagMask[:])
	return tag
}

func (s *gcmStream) mul(y *fieldElement) {
	var z fieldElement
	for i := 0; i < 2; i++ {
		word := y.high
		if i == 1 {
			word = y.low
		}
		for j := 0; j < 64; j += 4 {
			msw := z.high & 0xf
			z.high >>= 4
			z.high |= z.low << 60
			z.low >>= 4
			z.low ^= uint64(reductionTable[msw]) << 48

			t := &s.table[word&0xf]
			z.low ^= t.low
			z.high ^= t.high
			word >>= 4
		}
	}
	*y = z
}

func (s *gcmStream) updateBlocks(y *fieldElement, blocks []byte) {
	for len(blocks) > 0 {
		y.low ^= binary.BigEndian.Uint64(blocks)
		y.high ^= binary.BigEndian.Uint64(blocks[8:])
		s.mul(y)
		blocks = blocks[blockSize:]
	}
}

func (s *gcmStream) update(y *fieldElement, data []byte) {
	full := len(data) &^ (blockSize - 1)
	s.updateBlocks(y, data[:full])
	if len(data) != full {
		var last [blockSize]byte
		copy(last[:], data[full:])
		s.updateBlocks(y, last[:])
	}
}

func reverseBits(i int) int {
	i = ((i << 2) & 0xc) | ((i >> 2) & 0x3)
	i = ((i << 1) & 0xa) | ((i >> 1) & 0x5)
	return i
}

func add(x, y *fieldElement) fieldElement {
	return fieldElement{x.low ^ y.low, x.high ^ y.high}
}

func double(x *fieldElement) (d fieldElement) {
	msbSet := x.high&1 == 1
	d.high = x.high >> 1
	d.high |= x.low << 63
	d.low = x.low >> 1
	if msbSet {
		d.low ^= 0xe100000000000000
	}
	return d
}

func inc32(counter *[blockSize]byte) {
	ctr := counter[blockSize-4:]
	binary.BigEndian.PutUint32(ctr, binary.BigEndian.Uint32(ctr)+1)
}
