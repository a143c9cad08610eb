package client

import (
	"context"
	"fmt"
	"io"

	"github.com/23skdu/longbow-scribe/internal/translate"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TranslationClient calls a scribe Flight server: one DoExchange per
// request, sending a source record and reading translation records back.
type TranslationClient struct {
	client flight.Client
	conn   *grpc.ClientConn
	mem    memory.Allocator
}

func NewTranslationClient(addr string) (*TranslationClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &TranslationClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
		mem:    memory.NewGoAllocator(),
	}, nil
}

// Translate returns one result per line, in input order.
func (c *TranslationClient) Translate(ctx context.Context, lines []string) ([]translate.Result, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	rec := BuildSourceRecord(c.mem, lines)
	defer rec.Release()

	writer := flight.NewRecordWriter(stream)
	if err := writer.Write(rec); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	results := make([]translate.Result, len(lines))
	seen := 0
	for reader.Next() {
		if err := readResults(reader.Record(), results); err != nil {
			return nil, err
		}
		seen += int(reader.Record().NumRows())
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	if seen != len(lines) {
		return nil, fmt.Errorf("received %d translations for %d lines", seen, len(lines))
	}
	return results, nil
}

func (c *TranslationClient) Close() error {
	return c.conn.Close()
}

// readResults places the rows of a TranslationSchema record by index.
func readResults(rec arrow.RecordBatch, results []translate.Result) error {
	if !rec.Schema().Equal(TranslationSchema) {
		return fmt.Errorf("unexpected translation schema: %s", rec.Schema())
	}
	index := rec.Column(0).(*array.Int32)
	source := rec.Column(1).(*array.String)
	text := rec.Column(2).(*array.String)
	tokens := rec.Column(3).(*array.List)
	values := tokens.ListValues().(*array.Int32)
	score := rec.Column(4).(*array.Float32)

	for row := 0; row < int(rec.NumRows()); row++ {
		i := int(index.Value(row))
		if i < 0 || i >= len(results) {
			return fmt.Errorf("translation index %d out of range", i)
		}
		r := translate.Result{
			Index:  i,
			Source: source.Value(row),
			Text:   text.Value(row),
			Score:  score.Value(row),
		}
		start, end := tokens.ValueOffsets(row)
		for j := start; j < end; j++ {
			r.Tokens = append(r.Tokens, int(values.Value(int(j))))
		}
		results[i] = r
	}
	return nil
}
