//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/23skdu/longbow-scribe/internal/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Scribe Flight Server")

	c, err := client.NewTranslationClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	lines := []string{
		"w10 w11 w12",
		"",
		"w20 w21",
	}

	log.Info().Int("count", len(lines)).Msg("Sending lines")

	var results []string
	for i := 0; i < 10; i++ {
		start := time.Now()
		res, err := c.Translate(context.Background(), lines)
		if err != nil {
			log.Warn().Err(err).Msg("Translate failed, retrying...")
			time.Sleep(1 * time.Second)
			continue
		}
		log.Info().Dur("elapsed", time.Since(start)).Msg("Received translations")
		for _, r := range res {
			results = append(results, r.Text)
		}
		break
	}

	if len(results) != len(lines) {
		log.Fatal().Int("expected", len(lines)).Int("got", len(results)).Msg("Count mismatch")
	}
	if results[1] != "" {
		log.Fatal().Str("got", results[1]).Msg("Empty line must translate to empty output")
	}
	for i, r := range results {
		log.Info().Int("index", i).Str("text", r).Msg("Translation")
	}

	fmt.Println("VERIFICATION PASSED")
}
