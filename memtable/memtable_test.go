package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drpcorg/matstore/materrs"
	"github.com/drpcorg/matstore/rowval"
	"github.com/drpcorg/matstore/schema"
)

func testSchema() schema.Schema {
	return schema.Schema{
		Name:  "orders",
		Width: 3,
		Indexes: []schema.Index{
			{Id: 0, Columns: []int{0}, Unique: true, Mode: schema.Full},
			{Id: 1, Columns: []int{1}, Mode: schema.Full},
		},
		Primary: 0,
	}
}

func row(id int64, user string, total float64) rowval.Row {
	return rowval.Row{rowval.Int(id), rowval.Text(user), rowval.Float(total)}
}

func collect(seq func(func(rowval.Row) bool)) (rows []rowval.Row) {
	for r := range seq {
		rows = append(rows, r)
	}
	return
}

func all(sch schema.Schema) []uint32 {
	ids := make([]uint32, 0, len(sch.Indexes))
	for _, ix := range sch.Indexes {
		ids = append(ids, ix.Id)
	}
	return ids
}

func TestTable_InsertLookup(t *testing.T) {
	sch := testSchema()
	tbl := New(sch)
	active := all(sch)

	assert.Nil(t, tbl.Insert(row(1, "ann", 10), active))
	assert.Nil(t, tbl.Insert(row(2, "bob", 20), active))
	assert.Nil(t, tbl.Insert(row(3, "ann", 30), active))
	assert.Equal(t, 3, tbl.Len())
	assert.Greater(t, tbl.Bytes(), int64(0))

	seq, err := tbl.Lookup(0, rowval.Key{rowval.Int(2)})
	assert.Nil(t, err)
	rows := collect(seq)
	assert.Len(t, rows, 1)
	assert.True(t, rows[0].Equal(row(2, "bob", 20)))

	// non-unique index returns every match
	seq, err = tbl.Lookup(1, rowval.Key{rowval.Text("ann")})
	assert.Nil(t, err)
	assert.Len(t, collect(seq), 2)

	// a fresh call re-scans
	assert.Len(t, collect(seq), 2)

	seq, err = tbl.Lookup(0, rowval.Key{rowval.Int(9)})
	assert.Nil(t, err)
	assert.Empty(t, collect(seq))
}

func TestTable_UniqueViolation(t *testing.T) {
	sch := testSchema()
	tbl := New(sch)
	active := all(sch)

	assert.Nil(t, tbl.Insert(row(1, "ann", 10), active))
	err := tbl.Insert(row(1, "zed", 99), active)
	assert.ErrorIs(t, err, materrs.ErrConstraintViolation)
	// the failed insert must not have touched any index
	assert.Equal(t, 1, tbl.Len())
	seq, _ := tbl.Lookup(1, rowval.Key{rowval.Text("zed")})
	assert.Empty(t, collect(seq))
}

func TestTable_RemoveMultiset(t *testing.T) {
	sch := schema.Schema{
		Name:  "dups",
		Width: 2,
		Indexes: []schema.Index{
			{Id: 0, Columns: []int{0}, Mode: schema.Full},
		},
		Primary: -1,
	}
	tbl := New(sch)
	r := rowval.Row{rowval.Int(1), rowval.Text("same")}

	// identical rows are distinct multiset members
	assert.Nil(t, tbl.Insert(r, []uint32{0}))
	assert.Nil(t, tbl.Insert(r, []uint32{0}))
	seq, _ := tbl.Lookup(0, rowval.Key{rowval.Int(1)})
	assert.Len(t, collect(seq), 2)

	assert.Nil(t, tbl.Remove(r, []uint32{0}))
	seq, _ = tbl.Lookup(0, rowval.Key{rowval.Int(1)})
	assert.Len(t, collect(seq), 1)

	assert.Nil(t, tbl.Remove(r, []uint32{0}))
	assert.ErrorIs(t, tbl.Remove(r, []uint32{0}), materrs.ErrRowAbsent)
	assert.Equal(t, int64(0), tbl.Bytes())
}

func TestTable_RangeLookup(t *testing.T) {
	sch := testSchema()
	tbl := New(sch)
	active := all(sch)
	for i := int64(1); i <= 5; i++ {
		assert.Nil(t, tbl.Insert(row(i, "u", float64(i)), active))
	}

	seq, err := tbl.RangeLookup(0, rowval.Key{rowval.Int(2)}, rowval.Key{rowval.Int(5)})
	assert.Nil(t, err)
	rows := collect(seq)
	assert.Len(t, rows, 3)
	assert.Equal(t, int64(2), rows[0][0].Int())
	assert.Equal(t, int64(4), rows[2][0].Int())

	seq, _ = tbl.RangeLookup(0, nil, rowval.Key{rowval.Int(3)})
	assert.Len(t, collect(seq), 2)
	seq, _ = tbl.RangeLookup(0, rowval.Key{rowval.Int(4)}, nil)
	assert.Len(t, collect(seq), 2)
	seq, _ = tbl.RangeLookup(0, nil, nil)
	assert.Len(t, collect(seq), 5)
}

func TestTable_EvictKeyCollateral(t *testing.T) {
	sch := schema.Schema{
		Name:  "partial",
		Width: 2,
		Indexes: []schema.Index{
			{Id: 0, Columns: []int{0}, Mode: schema.Partial},
			{Id: 1, Columns: []int{1}, Mode: schema.Partial},
		},
		Primary: -1,
	}
	tbl := New(sch)
	r1 := rowval.Row{rowval.Int(1), rowval.Text("x")}
	r2 := rowval.Row{rowval.Int(2), rowval.Text("x")}
	assert.Nil(t, tbl.Insert(r1, []uint32{0, 1}))
	assert.Nil(t, tbl.Insert(r2, []uint32{0, 1}))

	kb := string(rowval.Key{rowval.Int(1)}.Bytes())
	freed, collateral := tbl.EvictKey(0, kb)
	assert.Greater(t, freed, int64(0))
	// r1 was also under "x" of index 1, which must be holed too
	assert.Len(t, collateral, 1)
	assert.Equal(t, uint32(1), collateral[0].Index)

	seq, _ := tbl.Lookup(0, rowval.Key{rowval.Int(1)})
	assert.Empty(t, collect(seq))
	// r2 survives
	seq, _ = tbl.Lookup(0, rowval.Key{rowval.Int(2)})
	assert.Len(t, collect(seq), 1)
}

func twoPartial() schema.Schema {
	return schema.Schema{
		Name:  "pairs",
		Width: 2,
		Indexes: []schema.Index{
			{Id: 0, Columns: []int{0}, Mode: schema.Partial},
			{Id: 1, Columns: []int{1}, Mode: schema.Partial},
		},
		Primary: -1,
	}
}

func TestTable_FillSharesOneIdentifier(t *testing.T) {
	tbl := New(twoPartial())
	r := rowval.Row{rowval.Int(1), rowval.Text("x")}

	// filling the same row through a second index must not copy it
	assert.Nil(t, tbl.Fill(r, 0))
	assert.Nil(t, tbl.Fill(r, 1))
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, r.Size(), tbl.Bytes())

	// one removal detaches the row from every index it is linked into
	assert.Nil(t, tbl.Remove(r, []uint32{0, 1}))
	seq, _ := tbl.Lookup(0, rowval.Key{rowval.Int(1)})
	assert.Empty(t, collect(seq))
	seq, _ = tbl.Lookup(1, rowval.Key{rowval.Text("x")})
	assert.Empty(t, collect(seq))
	assert.Equal(t, int64(0), tbl.Bytes())
}

func TestTable_EvictKeySkipsUnlinkedIndexes(t *testing.T) {
	tbl := New(twoPartial())
	r1 := rowval.Row{rowval.Int(1), rowval.Text("x")}
	r2 := rowval.Row{rowval.Int(2), rowval.Text("x")}
	assert.Nil(t, tbl.Fill(r1, 0))
	assert.Nil(t, tbl.Fill(r2, 1))

	// r1 is a member of index 0 only, so index 1 loses nothing
	kb := string(rowval.Key{rowval.Int(1)}.Bytes())
	freed, collateral := tbl.EvictKey(0, kb)
	assert.Greater(t, freed, int64(0))
	assert.Empty(t, collateral)

	seq, _ := tbl.Lookup(1, rowval.Key{rowval.Text("x")})
	rows := collect(seq)
	assert.Len(t, rows, 1)
	assert.True(t, rows[0].Equal(r2))
}

func TestTable_InsertSkipsWhenNoActive(t *testing.T) {
	sch := testSchema()
	tbl := New(sch)
	assert.Nil(t, tbl.Insert(row(1, "ann", 10), nil))
	assert.Equal(t, 0, tbl.Len())
	assert.Nil(t, tbl.Remove(row(1, "ann", 10), nil))
}

func TestTable_Clear(t *testing.T) {
	sch := testSchema()
	tbl := New(sch)
	assert.Nil(t, tbl.Insert(row(1, "ann", 10), all(sch)))
	tbl.Clear()
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, int64(0), tbl.Bytes())
	seq, err := tbl.Lookup(0, rowval.Key{rowval.Int(1)})
	assert.Nil(t, err)
	assert.Empty(t, collect(seq))
}
