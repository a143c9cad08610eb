package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-scribe/internal/client"
)

type ScribeFlightServer struct {
	flight.BaseFlightServer
	translator Translator
	forwarder  Forwarder
	alloc      memory.Allocator
}

func NewScribeFlightServer(translator Translator, forwarder Forwarder) *ScribeFlightServer {
	return &ScribeFlightServer{
		translator: translator,
		forwarder:  forwarder,
		alloc:      memory.NewGoAllocator(),
	}
}

// DoExchange reads every source record of the call, translates the lines
// and streams back one TranslationSchema record.
func (s *ScribeFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	var lines []string
	for reader.Next() {
		batch, err := client.ReadSources(reader.Record())
		if err != nil {
			return err
		}
		lines = append(lines, batch...)
	}
	if err := reader.Err(); err != nil {
		return err
	}

	ctx := stream.Context()
	results, err := s.translator.Translate(ctx, lines)
	if err != nil {
		return err
	}
	sentencesTranslated.Add(float64(len(lines)))
	log.Info().Int("rows", len(lines)).Msg("DoExchange translated batch")

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.TranslationSchema), ipc.WithAllocator(s.alloc))
	defer writer.Close()
	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(results)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()
	return writer.Write(rec)
}

// DoPut translates the uploaded source records and forwards the results
// to Longbow when a forwarder is configured.
func (s *ScribeFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		lines, err := client.ReadSources(reader.Record())
		if err != nil {
			return err
		}
		results, err := s.translator.Translate(stream.Context(), lines)
		if err != nil {
			return err
		}
		sentencesTranslated.Add(float64(len(lines)))
		log.Info().Int("rows", len(lines)).Msg("DoPut translated batch")

		if s.forwarder != nil {
			if err := s.forwarder.Forward(stream.Context(), results); err != nil {
				log.Error().Err(err).Msg("Error forwarding to Longbow")
			}
		}
	}
	return reader.Err()
}

func StartFlightServer(addr string, translator Translator, forwarder Forwarder) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewScribeFlightServer(translator, forwarder))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Scribe Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
