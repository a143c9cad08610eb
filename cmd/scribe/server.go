package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-scribe/internal/client"
	"github.com/23skdu/longbow-scribe/internal/translate"
)

var (
	sentencesTranslated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_sentences_translated_total",
		Help: "The total number of sentences translated through the servers",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scribe_request_duration_seconds",
		Help:    "Time spent processing translate requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_requests_total",
		Help: "Translate requests by endpoint and status code",
	}, []string{"endpoint", "code"})
)

type Translator interface {
	Translate(ctx context.Context, lines []string) ([]translate.Result, error)
}

type Forwarder interface {
	Forward(ctx context.Context, results []translate.Result) error
}

// Translation is the wire form of one result in CBOR and JSON responses.
type Translation struct {
	Text   string  `cbor:"text" json:"text"`
	Tokens []int   `cbor:"tokens" json:"tokens"`
	Score  float32 `cbor:"score" json:"score"`
	Cached bool    `cbor:"cached,omitempty" json:"cached,omitempty"`
}

type Server struct {
	translator Translator
	forwarder  Forwarder
	alloc      memory.Allocator
	sem        *semaphore.Weighted
	maxWeight  int64
}

func NewServer(translator Translator, forwarder Forwarder, maxConcurrent int64) *Server {
	return &Server{
		translator: translator,
		forwarder:  forwarder,
		alloc:      memory.NewGoAllocator(),
		sem:        semaphore.NewWeighted(maxConcurrent),
		maxWeight:  maxConcurrent,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/translate", s.handleTranslate)
	mux.HandleFunc("/translate/json", s.handleTranslateJSON)
	mux.HandleFunc("/translate/arrow", s.handleTranslateArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, translator Translator, forwarder Forwarder, maxConcurrent int64) {
	srv := NewServer(translator, forwarder, maxConcurrent)

	log.Info().Str("addr", addr).Msg("Starting Scribe Server")
	if forwarder != nil {
		log.Info().Msg("Forwarding to Longbow at specified server address")
	}

	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("scribe-server")

// statusError carries the HTTP status a failed translation maps to.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

// translate runs lines under admission control and forwards the results
// when a Longbow forwarder is configured. Forwarding failures are logged,
// not returned.
func (s *Server) translate(ctx context.Context, requestID string, lines []string) ([]translate.Result, error) {
	weight := min(int64(len(lines)), s.maxWeight)
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Failed to acquire semaphore")
		return nil, &statusError{code: http.StatusServiceUnavailable, err: errors.New("server busy")}
	}
	defer s.sem.Release(weight)

	results, err := s.translator.Translate(ctx, lines)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Translation failed")
		return nil, &statusError{code: http.StatusInternalServerError, err: err}
	}
	sentencesTranslated.Add(float64(len(lines)))

	if s.forwarder != nil {
		if err := s.forwarder.Forward(ctx, results); err != nil {
			log.Error().Err(err).Str("request_id", requestID).Msg("Error forwarding to Longbow")
		}
	}
	return results, nil
}

func toWire(results []translate.Result) []Translation {
	out := make([]Translation, len(results))
	for i, r := range results {
		out[i] = Translation{Text: r.Text, Tokens: r.Tokens, Score: r.Score, Cached: r.Cached}
	}
	return out
}

type decodeFunc func(r *http.Request) ([]string, error)
type encodeFunc func(w http.ResponseWriter, results []translate.Result) error

// serve wraps the request/response plumbing shared by the endpoints.
func (s *Server) serve(endpoint string, w http.ResponseWriter, r *http.Request, decode decodeFunc, encode encodeFunc) {
	ctx, span := tracer.Start(r.Context(), endpoint)
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	}()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)
	span.SetAttributes(attribute.String("request_id", requestID))

	fail := func(c int, msg string) {
		code = c
		http.Error(w, msg, c)
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	lines, err := decode(r)
	if err != nil {
		span.RecordError(err)
		fail(http.StatusBadRequest, fmt.Sprintf("Bad Request: %v", err))
		return
	}
	span.SetAttributes(attribute.Int("sequence_count", len(lines)))

	results, err := s.translate(ctx, requestID, lines)
	if err != nil {
		span.RecordError(err)
		var se *statusError
		if errors.As(err, &se) {
			fail(se.code, se.Error())
		} else {
			fail(http.StatusInternalServerError, err.Error())
		}
		return
	}

	if err := encode(w, results); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Failed to write response")
	}
	log.Debug().Str("request_id", requestID).Str("endpoint", endpoint).Int("count", len(lines)).Msg("Served translate request")
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	s.serve("translate", w, r,
		func(r *http.Request) ([]string, error) {
			var lines []string
			if err := cbor.NewDecoder(r.Body).Decode(&lines); err != nil {
				return nil, fmt.Errorf("CBOR decode: %w", err)
			}
			return lines, nil
		},
		func(w http.ResponseWriter, results []translate.Result) error {
			w.Header().Set("Content-Type", "application/cbor")
			return cbor.NewEncoder(w).Encode(toWire(results))
		})
}

func (s *Server) handleTranslateJSON(w http.ResponseWriter, r *http.Request) {
	s.serve("translate_json", w, r,
		func(r *http.Request) ([]string, error) {
			var lines []string
			if err := json.NewDecoder(r.Body).Decode(&lines); err != nil {
				return nil, fmt.Errorf("JSON decode: %w", err)
			}
			return lines, nil
		},
		func(w http.ResponseWriter, results []translate.Result) error {
			w.Header().Set("Content-Type", "application/json")
			return json.NewEncoder(w).Encode(toWire(results))
		})
}

// handleTranslateArrow reads an Arrow IPC stream with a "source" column and
// answers with an IPC stream of translation records.
func (s *Server) handleTranslateArrow(w http.ResponseWriter, r *http.Request) {
	s.serve("translate_arrow", w, r,
		func(r *http.Request) ([]string, error) {
			reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
			if err != nil {
				return nil, fmt.Errorf("IPC reader: %w", err)
			}
			defer reader.Release()

			var lines []string
			for reader.Next() {
				batch, err := client.ReadSources(reader.Record())
				if err != nil {
					return nil, err
				}
				lines = append(lines, batch...)
			}
			return lines, reader.Err()
		},
		func(w http.ResponseWriter, results []translate.Result) error {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			writer := ipc.NewWriter(w, ipc.WithSchema(client.TranslationSchema), ipc.WithAllocator(s.alloc))
			rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(results)
			if err != nil {
				_ = writer.Close()
				return err
			}
			if rec != nil {
				defer rec.Release()
				if err := writer.Write(rec); err != nil {
					_ = writer.Close()
					return err
				}
			}
			return writer.Close()
		})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
