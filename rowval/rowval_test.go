package rowval

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue_CompareMatchesEncoding(t *testing.T) {
	vals := []Value{
		Null(),
		Bool(false), Bool(true),
		Int(math.MinInt64), Int(-7), Int(0), Int(1), Int(42), Int(math.MaxInt64),
		Float(math.Inf(-1)), Float(-2.5), Float(0), Float(1e-9), Float(3.14), Float(math.Inf(1)),
		Text(""), Text("a"), Text("a\x00b"), Text("a\x00\x00"), Text("ab"), Text("b"),
		Bytes(nil), Bytes([]byte{0}), Bytes([]byte{0, 0xff}), Bytes([]byte{1}),
	}
	for i, a := range vals {
		for j, b := range vals {
			ea := AppendValue(nil, a)
			eb := AppendValue(nil, b)
			assert.Equal(t, sign(a.Compare(b)), sign(bytes.Compare(ea, eb)),
				"values %d %s vs %d %s", i, a.String(), j, b.String())
		}
	}
}

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}

func TestValue_RoundTrip(t *testing.T) {
	vals := []Value{
		Null(), Bool(true), Int(-13), Float(2.75),
		Text("funny\tstring\n"), Text("nul\x00inside"), Bytes([]byte{0, 1, 0xff}),
	}
	for _, v := range vals {
		enc := AppendValue(nil, v)
		got, rest, err := ParseValue(enc)
		assert.Nil(t, err)
		assert.Empty(t, rest)
		assert.True(t, v.Equal(got), "%s != %s", v.String(), got.String())
	}
}

func TestKey_RoundTrip(t *testing.T) {
	k := Key{Int(7), Text("abc"), Null()}
	got, err := ParseKey(k.Bytes(), 3)
	assert.Nil(t, err)
	assert.True(t, k.Equal(got))

	_, err = ParseKey(k.Bytes(), 2)
	assert.NotNil(t, err)
}

func TestKey_PrefixDoesNotBleed(t *testing.T) {
	// "a" as a full key must sort before "a.." continuations but its
	// encoding must never be a strict prefix of a different key's cell
	short := Key{Text("a")}.Bytes()
	long := Key{Text("ab")}.Bytes()
	assert.False(t, bytes.HasPrefix(long, short))
	assert.True(t, bytes.Compare(short, long) < 0)
}

func TestRow_Codec(t *testing.T) {
	r := Row{Int(1), Text("a"), Float(0.5), Bool(true), Null(), Bytes([]byte{9, 0})}
	enc := AppendRow(nil, r)
	got, err := ParseRow(enc)
	assert.Nil(t, err)
	assert.True(t, r.Equal(got))

	_, err = ParseRow(enc[:len(enc)-1])
	assert.NotNil(t, err)
	_, err = ParseRow(append(enc, 0))
	assert.NotNil(t, err)
}

func TestLogPosition(t *testing.T) {
	p := LogPosition{Log: "binlog.000007", Off: 1234}
	got, err := LogPositionFromBytes(p.Bytes())
	assert.Nil(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, "binlog.000007:1234", p.String())

	assert.True(t, p.Compare(LogPosition{Log: "binlog.000007", Off: 1235}) < 0)
	assert.True(t, p.Compare(LogPosition{Log: "binlog.000008", Off: 0}) < 0)
	assert.Equal(t, 0, p.Compare(p))
	assert.True(t, LogPosition{}.IsZero())
	assert.False(t, p.IsZero())
}
