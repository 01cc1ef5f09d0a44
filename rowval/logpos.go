package rowval

import (
	"encoding/binary"
	"fmt"

	"github.com/drpcorg/matstore/materrs"
)

// LogPosition is an upstream replication log position: a log name
// (e.g. a binlog file or a slot) plus an offset within it. The zero
// value means "no position recorded yet".
type LogPosition struct {
	Log string
	Off uint64
}

func (p LogPosition) IsZero() bool { return p.Log == "" && p.Off == 0 }

// Compare orders two positions within the same log. Positions from
// different logs order by log name, which matches how rotated binlog
// file names advance.
func (p LogPosition) Compare(o LogPosition) int {
	if p.Log != o.Log {
		if p.Log < o.Log {
			return -1
		}
		return 1
	}
	switch {
	case p.Off < o.Off:
		return -1
	case p.Off > o.Off:
		return 1
	}
	return 0
}

func (p LogPosition) Bytes() []byte {
	buf := make([]byte, 0, 8+len(p.Log))
	buf = binary.BigEndian.AppendUint64(buf, p.Off)
	buf = append(buf, p.Log...)
	return buf
}

func LogPositionFromBytes(b []byte) (p LogPosition, err error) {
	if len(b) < 8 {
		return LogPosition{}, materrs.ErrBadValue
	}
	p.Off = binary.BigEndian.Uint64(b[:8])
	p.Log = string(b[8:])
	return p, nil
}

func (p LogPosition) String() string {
	return fmt.Sprintf("%s:%d", p.Log, p.Off)
}
