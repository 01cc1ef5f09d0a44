package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/matstore/materrs"
	"github.com/drpcorg/matstore/rowval"
)

func TestIndex_KeyOf(t *testing.T) {
	ix := Index{Id: 1, Columns: []int{2, 0}, Unique: true, Mode: Full}
	row := rowval.Row{rowval.Int(1), rowval.Text("x"), rowval.Text("k")}
	k, err := ix.KeyOf(row)
	assert.Nil(t, err)
	assert.True(t, k.Equal(rowval.Key{rowval.Text("k"), rowval.Int(1)}))

	_, err = ix.KeyOf(rowval.Row{rowval.Int(1)})
	assert.ErrorIs(t, err, materrs.ErrKeyWidth)
}

func TestSchema_Valid(t *testing.T) {
	good := Schema{
		Name:  "users",
		Width: 3,
		Indexes: []Index{
			{Id: 0, Columns: []int{0}, Unique: true, Mode: Full},
			{Id: 1, Columns: []int{1, 2}, Mode: Partial},
		},
		Primary: 0,
	}
	assert.Nil(t, good.Valid())
	assert.True(t, good.AnyPartial())

	prim, ok := good.PrimaryIndex()
	assert.True(t, ok)
	assert.Equal(t, uint32(0), prim.Id)

	dupId := good
	dupId.Indexes = []Index{
		{Id: 7, Columns: []int{0}, Mode: Full},
		{Id: 7, Columns: []int{1}, Mode: Full},
	}
	assert.ErrorIs(t, dupId.Valid(), materrs.ErrBadSchema)

	outOfRange := good
	outOfRange.Indexes = []Index{{Id: 0, Columns: []int{3}, Mode: Full}}
	assert.ErrorIs(t, outOfRange.Valid(), materrs.ErrBadSchema)

	noIndexes := Schema{Name: "empty", Width: 1, Primary: -1}
	assert.ErrorIs(t, noIndexes.Valid(), materrs.ErrBadSchema)
}

func TestSchema_Find(t *testing.T) {
	s := Schema{
		Width:   1,
		Indexes: []Index{{Id: 5, Columns: []int{0}, Mode: Full}},
		Primary: -1,
	}
	_, ok := s.Find(5)
	assert.True(t, ok)
	_, ok = s.Find(6)
	assert.False(t, ok)
	_, ok = s.PrimaryIndex()
	assert.False(t, ok)
}
