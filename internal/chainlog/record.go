package chainlog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/linlurui/decentri-license/internal/token"
)

const (
	lengthSize   = 4
	checksumSize = 8

	// maxRecordSize bounds a single record so a corrupted length prefix
	// cannot trigger a huge allocation.
	maxRecordSize = 16 << 20
)

var errRecordTooLarge = errors.New("record exceeds maximum size")

// encodeRecord frames t as: uint32 LE length | JSON | uint64 LE xxhash64.
func encodeRecord(t token.Token) ([]byte, error) {
	body, err := t.Encode()
	if err != nil {
		return nil, err
	}
	if len(body) > maxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", errRecordTooLarge, len(body))
	}

	buf := make([]byte, lengthSize+len(body)+checksumSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[lengthSize:], body)
	binary.LittleEndian.PutUint64(buf[lengthSize+len(body):], xxhash.Sum64(body))
	return buf, nil
}

// decodeResult is what replaying a log buffer produced.
type decodeResult struct {
	tokens []token.Token
	// intact is false when replay stopped early on a short frame, a
	// checksum mismatch or an unparsable record.
	intact bool
	reason string
	// size is the byte length of the intact prefix.
	size int
}

// decodeRecords replays data and stops at the first damaged frame. Every
// record before the damage is returned.
func decodeRecords(data []byte) decodeResult {
	res := decodeResult{intact: true}
	offset := 0
	for offset < len(data) {
		if len(data)-offset < lengthSize {
			return res.stop(fmt.Sprintf("truncated length prefix at offset %d", offset))
		}
		n := int(binary.LittleEndian.Uint32(data[offset:]))
		if n > maxRecordSize {
			return res.stop(fmt.Sprintf("record length %d at offset %d exceeds limit", n, offset))
		}
		end := offset + lengthSize + n + checksumSize
		if end > len(data) {
			return res.stop(fmt.Sprintf("truncated record at offset %d", offset))
		}

		body := data[offset+lengthSize : offset+lengthSize+n]
		sum := binary.LittleEndian.Uint64(data[offset+lengthSize+n:])
		if xxhash.Sum64(body) != sum {
			return res.stop(fmt.Sprintf("checksum mismatch at record %d", len(res.tokens)))
		}

		t, err := token.Parse(body)
		if err != nil {
			return res.stop(fmt.Sprintf("record %d: %v", len(res.tokens), err))
		}
		res.tokens = append(res.tokens, t)
		res.size = end
		offset = end
	}
	return res
}

func (r decodeResult) stop(reason string) decodeResult {
	r.intact = false
	r.reason = reason
	return r
}
