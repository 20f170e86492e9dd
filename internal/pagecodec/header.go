// Package pagecodec implements spec.md §4.1 (C1): per-block page header
// validation, checksum computation, and pluggable compression.
package pagecodec

import "encoding/binary"

// Field offsets within a Postgres-style page header, matching the on-disk
// PageHeaderData layout: an 8-byte LSN followed by six little-endian
// uint16 fields.
const (
	offLSN             = 0
	offChecksum        = 8
	offFlags           = 10
	offLower           = 12
	offUpper           = 14
	offSpecial         = 16
	offPageSizeVersion = 18

	// HeaderSize is sizeof(PageHeaderData) up to the first ItemId slot.
	HeaderSize = 24

	pageSizeMask = 0xFF00
	versionMask  = 0x00FF

	// flagsKnownMask has a bit set for every pd_flags bit the format
	// defines; any other bit set is a header-validation failure.
	flagsKnownMask = 0x0007
)

// Header is the parsed subset of a Postgres page header relevant to
// backup/restore: LSN, checksum, and the three free-space offsets.
type Header struct {
	LSN      uint64
	Checksum uint16
	Flags    uint16
	Lower    uint16
	Upper    uint16
	Special  uint16
}

// parseHeader reads the fixed-offset fields out of a full-size page. The
// caller must have already checked len(page) == blockSize.
func parseHeader(page []byte) Header {
	return Header{
		LSN:      binary.LittleEndian.Uint64(page[offLSN:]),
		Checksum: binary.LittleEndian.Uint16(page[offChecksum:]),
		Flags:    binary.LittleEndian.Uint16(page[offFlags:]),
		Lower:    binary.LittleEndian.Uint16(page[offLower:]),
		Upper:    binary.LittleEndian.Uint16(page[offUpper:]),
		Special:  binary.LittleEndian.Uint16(page[offSpecial:]),
	}
}

// pageSizeFromVersionField extracts the encoded page size from the
// pd_pagesize_version field (high byte, masked to 0xFF00).
func pageSizeFromVersionField(page []byte) int {
	psv := binary.LittleEndian.Uint16(page[offPageSizeVersion:])
	return int(psv & pageSizeMask)
}

// validateHeader applies spec.md §4.1 step 2's ordering check:
// page-header-size ≤ pd_lower ≤ pd_upper ≤ pd_special ≤ blockSize, pd_special
// max-aligned, and no unknown pd_flags bits.
func validateHeader(h Header, page []byte, blockSize int) bool {
	if pageSizeFromVersionField(page) != blockSize {
		return false
	}

	if h.Flags&^flagsKnownMask != 0 {
		return false
	}

	if int(h.Lower) < HeaderSize || h.Lower > h.Upper || h.Upper > h.Special {
		return false
	}

	if int(h.Special) > blockSize {
		return false
	}

	if int(h.Special)%maxAlign != 0 {
		return false
	}

	return true
}

// maxAlign is Postgres's MAXIMUM_ALIGNOF on every platform the backup
// engine targets (8-byte alignment on 64-bit systems).
const maxAlign = 8

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}

	return true
}
