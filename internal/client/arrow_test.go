package client

import (
	"testing"

	"github.com/23skdu/longbow-scribe/internal/translate"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecordBatch(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	builder := NewRecordBatchBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch(nil)
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Valid input", func(t *testing.T) {
		results := []translate.Result{
			{Index: 0, Source: "hallo welt", Text: "hello world", Tokens: []int{4, 5}, Score: -0.5},
			{Index: 1},
		}

		rb, err := builder.BuildRecordBatch(results)
		require.NoError(t, err)
		require.NotNil(t, rb)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(5), rb.NumCols())
		assert.Equal(t, "translation", rb.ColumnName(2))

		text := rb.Column(2).(*array.String)
		assert.Equal(t, "hello world", text.Value(0))
		assert.Equal(t, "", text.Value(1))

		listArr := rb.Column(3).(*array.List)
		assert.Equal(t, []int32{0, 2, 2}, listArr.Offsets())
		values := listArr.ListValues().(*array.Int32)
		assert.Equal(t, int32(5), values.Value(1))

		assert.Equal(t, float32(-0.5), rb.Column(4).(*array.Float32).Value(0))
	})
}

func TestReadSources(t *testing.T) {
	pool := memory.NewGoAllocator()

	rec := BuildSourceRecord(pool, []string{"a b", "", "c"})
	defer rec.Release()
	lines, err := ReadSources(rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"a b", "", "c"}, lines)

	t.Run("MissingColumn", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: "text", Type: arrow.BinaryTypes.String}}, nil)
		b := array.NewStringBuilder(pool)
		defer b.Release()
		b.Append("x")
		col := b.NewArray()
		defer col.Release()
		rec := array.NewRecordBatch(schema, []arrow.Array{col}, 1)
		defer rec.Release()

		_, err := ReadSources(rec)
		assert.Error(t, err)
	})

	t.Run("WrongType", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: SourceColumn, Type: arrow.PrimitiveTypes.Int32}}, nil)
		b := array.NewInt32Builder(pool)
		defer b.Release()
		b.Append(1)
		col := b.NewArray()
		defer col.Release()
		rec := array.NewRecordBatch(schema, []arrow.Array{col}, 1)
		defer rec.Release()

		_, err := ReadSources(rec)
		assert.Error(t, err)
	})
}
