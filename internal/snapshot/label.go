package snapshot

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// A GNU volume label stores its text in the 100-byte name field of a
// dedicated header block, NUL-terminated, so at most 99 bytes are usable.
const labelMax = 99

// `LabelInfo` is the provenance encoded into each chunk's volume label.
type LabelInfo struct {
	RunIDShort string
	Time       time.Time
	Increment  int
	Host       string
	User       string
	IP         string
	Cron       bool
}

type labelJSON struct {
	R  string `json:"r"`
	T  int64  `json:"t"`
	I  int    `json:"i"`
	H  string `json:"h"`
	U  string `json:"u"`
	IP string `json:"ip"`
	C  int    `json:"c"`
}

// `BuildLabel()` renders the label, preferring compact JSON, then a
// pipe-delimited form, then a base64 of the gzipped JSON with a `gz:`
// prefix.
func BuildLabel(info LabelInfo) (string, error) {
	cron := 0
	if info.Cron {
		cron = 1
	}
	j, err := json.Marshal(labelJSON{
		R:  info.RunIDShort,
		T:  info.Time.Unix(),
		I:  info.Increment,
		H:  info.Host,
		U:  info.User,
		IP: info.IP,
		C:  cron,
	})
	if err != nil {
		return "", err
	}
	if len(j) <= labelMax {
		return string(j), nil
	}

	pipe := strings.Join([]string{
		info.RunIDShort,
		fmt.Sprintf("%d", info.Time.Unix()),
		fmt.Sprintf("%d", info.Increment),
		info.Host,
		info.User,
		info.IP,
		fmt.Sprintf("%d", cron),
	}, "|")
	if len(pipe) <= labelMax {
		return pipe, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(j); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	gz := "gz:" + base64.StdEncoding.EncodeToString(buf.Bytes())
	if len(gz) > labelMax {
		return "", fmt.Errorf(
			"volume label exceeds %d bytes in all encodings", labelMax,
		)
	}
	return gz, nil
}

// `encodeLabelBlock()` builds the 512-byte GNU volume-label header block
// (typeflag `V`).  The block precedes all member headers in the chunk's tar
// stream.
func encodeLabelBlock(label string, mtime time.Time) []byte {
	block := make([]byte, 512)
	copy(block[0:100], label)
	octal(block[100:108], 0644)          // mode
	octal(block[108:116], 0)             // uid
	octal(block[116:124], 0)             // gid
	octal(block[124:136], 0)             // size
	octal(block[136:148], mtime.Unix())  // mtime
	copy(block[148:156], "        ")     // chksum placeholder
	block[156] = 'V'                     // typeflag
	copy(block[257:265], "ustar  \x00")  // old-GNU magic+version

	var sum int64
	for _, b := range block {
		sum += int64(b)
	}
	// The checksum field is 6 octal digits, NUL, space.
	const digits = 6
	o := fmt.Sprintf("%0*o", digits, sum)
	copy(block[148:148+digits], o)
	block[148+digits] = 0
	block[148+digits+1] = ' '

	return block
}

// `octal()` writes `v` as a NUL-terminated octal field.
func octal(field []byte, v int64) {
	s := fmt.Sprintf("%0*o", len(field)-1, v)
	copy(field, s)
	field[len(field)-1] = 0
}
