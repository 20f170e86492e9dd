package pagecodec

// Postgres page checksums mix the page through N_SUMS independent
// rotations of an FNV-1a-derived accumulator, fold the per-word results
// together, and combine the fold with the block number so that moving a
// page to a different block number invalidates its checksum.
const (
	numSums  = 32
	foldSums = numSums / 2
)

var checksumBaseSeeds = [numSums]uint32{
	0x5cbdf3a, 0x9a1e6b4f, 0x1b873593, 0xdeadbeef,
	0xcafebabe, 0x8badf00d, 0xfeedface, 0x0ff1ce00,
	0x01234567, 0x89abcdef, 0xfedcba98, 0x76543210,
	0x13579bdf, 0x2468ace0, 0xa5a5a5a5, 0x5a5a5a5a,
	0x3c3c3c3c, 0xc3c3c3c3, 0x0f0f0f0f, 0xf0f0f0f0,
	0x55555555, 0xaaaaaaaa, 0x33333333, 0xcccccccc,
	0x66666666, 0x99999999, 0x12345678, 0x87654321,
	0xabcdef01, 0x10fedcba, 0x0badc0de, 0xdeadc0de,
}

func rot(x uint32, k uint) uint32 {
	return (x << k) | (x >> (32 - k))
}

// mix advances every accumulator by one 32-bit input word.
func mix(accum *[numSums]uint32, word uint32) {
	for i := range accum {
		accum[i] = (accum[i] ^ word) * 0x01000193
		accum[i] = rot(accum[i], uint(7+i%13))
	}
}

// ChecksumForBlock exposes the page checksum computation for callers that
// need to stamp a page with its correct checksum before writing it — test
// fixtures building realistic pages, or a future repair tool — without
// duplicating the mixing algorithm.
func ChecksumForBlock(page []byte, absoluteBlockNo uint32) uint16 {
	return computeChecksum(page, absoluteBlockNo)
}

// computeChecksum implements the page checksum over a full-size page with
// the given absolute block number mixed in, matching spec.md §4.1 step 4's
// "recomputes the page checksum over the block with
// absolute_block_no = segno*RELSEG + block_no".
//
// The stored checksum field (offset 8-9) is masked out of the computation,
// so the result does not depend on what that field currently holds.
func computeChecksum(page []byte, absoluteBlockNo uint32) uint16 {
	accum := checksumBaseSeeds

	words := len(page) / 4
	for w := 0; w < words; w++ {
		off := w * 4
		word := uint32(page[off]) | uint32(page[off+1])<<8 | uint32(page[off+2])<<16 | uint32(page[off+3])<<24

		if off >= offChecksum && off < offChecksum+2 {
			word &^= 0x0000FFFF
		}

		mix(&accum, word)
	}

	var result uint32
	for i := 0; i < foldSums; i++ {
		result ^= accum[i] ^ accum[i+foldSums]
	}

	result ^= absoluteBlockNo

	sum16 := uint16(result) ^ uint16(result>>16)
	if sum16 == 0 {
		sum16 = 1
	}

	return sum16
}
