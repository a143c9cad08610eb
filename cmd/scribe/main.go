package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-scribe/internal/client"
	"github.com/23skdu/longbow-scribe/internal/config"
	"github.com/23skdu/longbow-scribe/internal/device"
	"github.com/23skdu/longbow-scribe/internal/model"
	"github.com/23skdu/longbow-scribe/internal/model/weights"
	"github.com/23skdu/longbow-scribe/internal/translate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	configPath    = flag.String("config", "", "Path to YAML config file")
	srcVocab      = flag.String("src-vocab", "", "Path to source vocabulary (synthetic when empty)")
	tgtVocab      = flag.String("tgt-vocab", "", "Path to target vocabulary (synthetic when empty)")
	weightsPath   = flag.String("weights", "", "Path to raw float32 weights (random init when empty)")
	saveWeights   = flag.String("save-weights", "", "Write the model weights to this path and exit")
	precision     = flag.String("precision", "fp32", "Precision (fp32, fp16)")
	beamSize      = flag.Int("beam", 1, "Beam size (1 selects greedy search)")
	maxLen        = flag.Int("maxlen", 200, "Constant part of the output length limit")
	lenAlpha      = flag.Float64("lenalpha", 0, "Length penalty exponent")
	maxLenAlpha   = flag.Float64("maxlenalpha", 1.25, "Output length limit per source token")
	sBatch        = flag.Int("sbatch", 768, "Maximum sentences per batch")
	wBatch        = flag.Int("wbatch", 40960, "Word budget per batch (sentences * length * beam)")
	maxSrc        = flag.Int("maxsrc", 200, "Maximum source length including EOS")
	inputPath     = flag.String("input", "", "Input file, one sentence per line (stdin when empty)")
	outputPath    = flag.String("output", "", "Output file (stdout when empty)")
	arrowOut      = flag.Bool("arrow", false, "Write results as an Arrow IPC stream")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	loremLines    = flag.Int("lorem", 0, "Translate N random sentences instead of reading input")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "scribe_translations", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int64("max-concurrent", 64, "Maximum number of sentences translated concurrently")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	m, err := buildModel(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create model")
	}
	if *saveWeights != "" {
		if err := weights.NewLoader(m).SaveToRawBinary(*saveWeights); err != nil {
			log.Fatal().Err(err).Msg("Failed to save weights")
		}
		log.Info().Str("path", *saveWeights).Msg("Saved model weights")
		return
	}

	translator, src, err := buildTranslator(cfg, m)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create translator")
	}

	var forwarder Forwarder
	if cfg.ServerAddr != "" {
		fc, err := client.NewFlightClient(cfg.ServerAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", cfg.ServerAddr).Str("dataset", cfg.Dataset).Msg("Forwarding translations to Longbow")
		forwarder = client.NewForwarder(fc, cfg.Dataset, client.NewCircuitBreaker("longbow", 5, 30*time.Second))
	}

	// Server Mode
	if cfg.ListenAddr != "" || cfg.FlightAddr != "" {
		if cfg.ListenAddr != "" {
			go startServer(cfg.ListenAddr, translator, forwarder, cfg.MaxConcurrent)
		}
		if cfg.FlightAddr != "" {
			StartFlightServer(cfg.FlightAddr, translator, forwarder)
			return
		}
		select {}
	}

	var lines []string
	if *loremLines > 0 {
		lines = translate.GenerateSentences(src, *loremLines, 3, 20, time.Now().UnixNano())
	}

	if *duration > 0 {
		if len(lines) == 0 {
			lines = translate.GenerateSentences(src, 256, 3, 20, 1)
		}
		soak(translator, lines, *duration)
		return
	}

	if len(lines) == 0 {
		lines, err = readLines(*inputPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read input")
		}
	}

	start := time.Now()
	results, err := translator.Translate(context.Background(), lines)
	if err != nil {
		log.Fatal().Err(err).Msg("Translation failed")
	}
	elapsed := time.Since(start)
	log.Info().
		Int("count", len(lines)).
		Dur("elapsed", elapsed).
		Float64("sps", float64(len(lines))/elapsed.Seconds()).
		Msg("Translated sentences")

	if forwarder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := forwarder.Forward(ctx, results); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent translations to Longbow")
		return
	}

	out := os.Stdout
	if *outputPath != "" {
		f, err := os.Create(*outputPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create output file")
		}
		defer f.Close()
		out = f
	}
	if *arrowOut {
		rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(results)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build record batch")
		}
		if rec != nil {
			defer rec.Release()
			if err := writeArrowStream(out, rec); err != nil {
				log.Warn().Err(err).Msg("Failed to write arrow stream")
			}
		}
		return
	}
	if err := writeText(out, results); err != nil {
		log.Fatal().Err(err).Msg("Failed to write output")
	}
}

// loadConfig reads the config file and applies the flags given on the
// command line on top of it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "src-vocab":
			cfg.SrcVocab = *srcVocab
		case "tgt-vocab":
			cfg.TgtVocab = *tgtVocab
		case "weights":
			cfg.Weights = *weightsPath
		case "precision":
			cfg.Precision = *precision
		case "beam":
			cfg.BeamSize = *beamSize
		case "maxlen":
			cfg.MaxLen = *maxLen
		case "lenalpha":
			cfg.LengthAlpha = float32(*lenAlpha)
		case "maxlenalpha":
			cfg.MaxLenAlpha = float32(*maxLenAlpha)
		case "sbatch":
			cfg.SentenceBatch = *sBatch
		case "wbatch":
			cfg.WordBatch = *wBatch
		case "maxsrc":
			cfg.MaxSrcLen = *maxSrc
		case "server":
			cfg.ServerAddr = *serverAddr
		case "dataset":
			cfg.Dataset = *datasetName
		case "listen":
			cfg.ListenAddr = *listenAddr
		case "flight":
			cfg.FlightAddr = *flightAddr
		case "max-concurrent":
			cfg.MaxConcurrent = *maxConcurrent
		}
	})
	return cfg, cfg.Validate()
}

func buildModel(cfg config.Config) (*model.Transformer, error) {
	var backend device.Backend = device.NewCPUBackend()
	if cfg.Precision == "fp16" {
		backend = device.NewCPUBackendFP16()
	}
	log.Info().Str("backend", backend.Name()).Stringer("precision", backend.Precision()).Msg("Initializing model")

	m, err := model.New(cfg.Model, backend)
	if err != nil {
		return nil, err
	}
	if cfg.Weights == "" {
		log.Warn().Msg("No weights file given, using random initialization")
		return m, nil
	}
	if err := weights.NewLoader(m).LoadFromRawBinary(cfg.Weights); err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	return m, nil
}

func buildTranslator(cfg config.Config, m *model.Transformer) (*translate.Translator, *translate.Vocab, error) {
	src, err := loadVocab(cfg.SrcVocab, cfg.Model.SrcVocabSize, cfg.Special)
	if err != nil {
		return nil, nil, err
	}
	tgt, err := loadVocab(cfg.TgtVocab, cfg.Model.TgtVocabSize, cfg.Special)
	if err != nil {
		return nil, nil, err
	}
	if src.Size() > cfg.Model.SrcVocabSize || tgt.Size() > cfg.Model.TgtVocabSize {
		return nil, nil, fmt.Errorf("vocabulary sizes %d/%d exceed model sizes %d/%d",
			src.Size(), tgt.Size(), cfg.Model.SrcVocabSize, cfg.Model.TgtVocabSize)
	}

	t, err := translate.New(m, src, tgt, cfg.TranslateOptions())
	if err != nil {
		return nil, nil, err
	}
	log.Info().
		Int("beam", cfg.BeamSize).
		Int("maxlen", cfg.MaxLen).
		Float32("lenalpha", cfg.LengthAlpha).
		Int("src_vocab", src.Size()).
		Int("tgt_vocab", tgt.Size()).
		Msg("Translator ready")
	return t, src, nil
}

func loadVocab(path string, size int, special translate.Special) (*translate.Vocab, error) {
	if path == "" {
		return translate.NewSyntheticVocab(size, special), nil
	}
	return translate.LoadVocab(path, special)
}

func soak(t *translate.Translator, lines []string, d time.Duration) {
	log.Info().Str("duration", d.String()).Int("lines", len(lines)).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var total int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := t.Translate(context.Background(), lines); err != nil {
			log.Fatal().Err(err).Msg("Soak iteration failed")
		}
		total += int64(len(lines))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_sentences", total).
				Float64("sps", float64(total)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_sentences", total).
		Dur("total_time", totalElapsed).
		Float64("avg_sps", float64(total)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func readLines(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func writeText(w io.Writer, results []translate.Result) error {
	bw := bufio.NewWriter(w)
	for _, r := range results {
		if _, err := fmt.Fprintln(bw, r.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("scribe"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
