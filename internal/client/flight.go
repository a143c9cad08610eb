package client

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-scribe/internal/translate"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient handles communication with a Longbow server via Apache Flight.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut sends a RecordBatch to the given dataset on the Longbow server.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})
	if err := writer.Write(record); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain acknowledgements so the server sees a completed call.
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
	return nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// Putter is the subset of FlightClient used for forwarding.
type Putter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
}

// Forwarder ships translation results to a Longbow dataset, backing off
// through a circuit breaker when the server keeps failing.
type Forwarder struct {
	putter  Putter
	dataset string
	builder *RecordBatchBuilder
	breaker *CircuitBreaker
}

func NewForwarder(putter Putter, dataset string, breaker *CircuitBreaker) *Forwarder {
	return &Forwarder{
		putter:  putter,
		dataset: dataset,
		builder: NewRecordBatchBuilder(memory.DefaultAllocator),
		breaker: breaker,
	}
}

// Forward sends results as one record batch. Empty input is a no-op.
func (f *Forwarder) Forward(ctx context.Context, results []translate.Result) error {
	rec, err := f.builder.BuildRecordBatch(results)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()

	err = f.breaker.Do(func() error {
		return f.putter.DoPut(ctx, f.dataset, rec)
	})
	if err != nil {
		forwardedRecords.WithLabelValues("error").Add(float64(len(results)))
		log.Error().Err(err).Str("dataset", f.dataset).Int("rows", len(results)).Msg("Failed to forward translations")
		return fmt.Errorf("forward to %s: %w", f.dataset, err)
	}
	forwardedRecords.WithLabelValues("ok").Add(float64(len(results)))
	return nil
}
