package client

import (
	"fmt"

	"github.com/23skdu/longbow-scribe/internal/translate"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// SourceColumn names the utf8 column carrying input lines in Arrow requests.
const SourceColumn = "source"

// TranslationSchema is the layout of translation records sent to Longbow.
var TranslationSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "index", Type: arrow.PrimitiveTypes.Int32},
		{Name: SourceColumn, Type: arrow.BinaryTypes.String},
		{Name: "translation", Type: arrow.BinaryTypes.String},
		{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "score", Type: arrow.PrimitiveTypes.Float32},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches from translations.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts translation results into a RecordBatch with
// TranslationSchema. It returns nil for no results.
func (b *RecordBatchBuilder) BuildRecordBatch(results []translate.Result) (arrow.RecordBatch, error) {
	if len(results) == 0 {
		return nil, nil
	}

	index := array.NewInt32Builder(b.mem)
	defer index.Release()
	source := array.NewStringBuilder(b.mem)
	defer source.Release()
	text := array.NewStringBuilder(b.mem)
	defer text.Release()
	tokens := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer tokens.Release()
	tokenValues := tokens.ValueBuilder().(*array.Int32Builder)
	score := array.NewFloat32Builder(b.mem)
	defer score.Release()

	for _, r := range results {
		index.Append(int32(r.Index))
		source.Append(r.Source)
		text.Append(r.Text)
		tokens.Append(true)
		for _, t := range r.Tokens {
			tokenValues.Append(int32(t))
		}
		score.Append(r.Score)
	}

	cols := []arrow.Array{index.NewArray(), source.NewArray(), text.NewArray(), tokens.NewArray(), score.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(TranslationSchema, cols, int64(len(results))), nil
}

// ReadSources extracts the input lines of an Arrow request. Null entries
// become empty lines.
func ReadSources(rec arrow.RecordBatch) ([]string, error) {
	idx := rec.Schema().FieldIndices(SourceColumn)
	if len(idx) == 0 {
		return nil, fmt.Errorf("record has no %q column", SourceColumn)
	}
	col, ok := rec.Column(idx[0]).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column %q must be utf8, got %s", SourceColumn, rec.Column(idx[0]).DataType())
	}

	lines := make([]string, col.Len())
	for i := range lines {
		if col.IsValid(i) {
			lines[i] = col.Value(i)
		}
	}
	return lines, nil
}

// BuildSourceRecord wraps lines in a single-column request record.
func BuildSourceRecord(mem memory.Allocator, lines []string) arrow.RecordBatch {
	schema := arrow.NewSchema([]arrow.Field{{Name: SourceColumn, Type: arrow.BinaryTypes.String}}, nil)
	b := array.NewStringBuilder(mem)
	defer b.Release()
	b.AppendValues(lines, nil)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecordBatch(schema, []arrow.Array{col}, int64(len(lines)))
}
