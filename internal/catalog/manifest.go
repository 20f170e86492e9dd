package catalog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/pgbackup/pgbackup/internal/fileengine"
)

// manifestLine is the on-the-wire shape of one file-list manifest record,
// spec.md §6.1.b: "one JSON-like object per line (newline-delimited)".
// Field names match the mandatory/optional key list verbatim.
type manifestLine struct {
	Path           string `json:"path"`
	Size           int64  `json:"size"`
	Kind           string `json:"kind"`
	Mode           uint32 `json:"mode"`
	IsDatafile     bool   `json:"is_datafile"`
	IsCFS          bool   `json:"is_cfs"`
	CRC            uint32 `json:"crc"`
	CompressAlg    string `json:"compress_alg"`
	ExternalDirNum int    `json:"external_dir_num"`
	DBOid          int    `json:"dbOid"`

	FullSize int64  `json:"full_size,omitempty"`
	Segno    *int   `json:"segno,omitempty"`
	Linked   string `json:"linked,omitempty"`

	NBlocks  int    `json:"n_blocks,omitempty"`
	NHeaders int    `json:"n_headers,omitempty"`
	HdrCRC   uint32 `json:"hdr_crc,omitempty"`
	HdrOff   int64  `json:"hdr_off,omitempty"`
	HdrSize  int64  `json:"hdr_size,omitempty"`

	// WriteSize round-trips fileengine.Record's own bookkeeping field so a
	// manifest written by this process and read back reproduces the same
	// BytesInvalid/FileNotFound sentinels.
	WriteSize int64 `json:"write_size"`
}

func toManifestLine(r fileengine.Record) manifestLine {
	ml := manifestLine{
		Path:           r.Path,
		Size:           r.Size,
		Kind:           r.Kind,
		Mode:           r.Mode,
		IsDatafile:     r.IsDatafile,
		IsCFS:          r.IsCFS,
		CRC:            r.CRC,
		CompressAlg:    r.CompressAlg,
		ExternalDirNum: r.ExternalDirNum,
		DBOid:          r.DBOid,
		FullSize:       r.FullSize,
		Linked:         r.Linked,
		NBlocks:        r.NBlocks,
		NHeaders:       r.NHeaders,
		HdrCRC:         r.HdrCRC,
		HdrOff:         r.HdrOff,
		HdrSize:        r.HdrSize,
		WriteSize:      r.WriteSize,
	}

	if r.IsDatafile {
		segno := r.Segno
		ml.Segno = &segno
	}

	return ml
}

func (ml manifestLine) toRecord() fileengine.Record {
	r := fileengine.Record{
		Path:           ml.Path,
		Size:           ml.Size,
		Kind:           ml.Kind,
		Mode:           ml.Mode,
		IsDatafile:     ml.IsDatafile,
		IsCFS:          ml.IsCFS,
		CRC:            ml.CRC,
		CompressAlg:    ml.CompressAlg,
		ExternalDirNum: ml.ExternalDirNum,
		DBOid:          ml.DBOid,
		FullSize:       ml.FullSize,
		Linked:         ml.Linked,
		NBlocks:        ml.NBlocks,
		NHeaders:       ml.NHeaders,
		HdrCRC:         ml.HdrCRC,
		HdrOff:         ml.HdrOff,
		HdrSize:        ml.HdrSize,
		WriteSize:      ml.WriteSize,
	}

	if ml.Segno != nil {
		r.Segno = *ml.Segno
	}

	return r
}

var manifestCRCTable = crc32.MakeTable(crc32.Castagnoli)

// EncodeManifest renders records as newline-delimited JSON and returns the
// bytes alongside the CRC-32C of the whole payload, the value spec.md
// §6.1.b says belongs in the control file's content-crc key.
func EncodeManifest(records []fileengine.Record) (data []byte, crc uint32) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)

	for _, r := range records {
		// Encoder.Encode can't fail on a plain struct with no cyclic or
		// unsupported fields.
		_ = enc.Encode(toManifestLine(r))
	}

	return buf.Bytes(), crc32.Checksum(buf.Bytes(), manifestCRCTable)
}

// ErrManifestCRCMismatch is returned by [DecodeManifest] when the payload's
// recomputed CRC-32C disagrees with the wantCRC argument (normally the
// backup's content-crc control-file value).
var ErrManifestCRCMismatch = fmt.Errorf("catalog: manifest content-crc mismatch")

// DecodeManifest parses a newline-delimited manifest, verifying its CRC-32C
// against wantCRC first (spec.md §6.1.b: "CRC-32C over the entire payload").
func DecodeManifest(data []byte, wantCRC uint32) ([]fileengine.Record, error) {
	if got := crc32.Checksum(data, manifestCRCTable); got != wantCRC {
		return nil, fmt.Errorf("%w: got %#x, want %#x", ErrManifestCRCMismatch, got, wantCRC)
	}

	var records []fileengine.Record

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ml manifestLine
		if err := json.Unmarshal(line, &ml); err != nil {
			return nil, fmt.Errorf("catalog: decode manifest line: %w", err)
		}

		records = append(records, ml.toRecord())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("catalog: read manifest: %w", err)
	}

	return records, nil
}
