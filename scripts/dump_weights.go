//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/23skdu/longbow-scribe/internal/config"
	"github.com/23skdu/longbow-scribe/internal/device"
	"github.com/23skdu/longbow-scribe/internal/model"
	"github.com/23skdu/longbow-scribe/internal/model/weights"
)

// WeightDump holds the summary of a loaded tensor for verification
type WeightDump struct {
	Name     string    `json:"name"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	FirstFew []float32 `json:"first_few"`
	LastFew  []float32 `json:"last_few"`
	Sum      float32   `json:"sum"`
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	weightsPath := flag.String("weights", "", "Path to weights binary (random init when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	m, err := model.New(cfg.Model, device.NewCPUBackend())
	if err != nil {
		log.Fatalf("Failed to create model: %v", err)
	}
	if *weightsPath != "" {
		if err := weights.NewLoader(m).LoadFromRawBinary(*weightsPath); err != nil {
			log.Fatalf("Failed to load weights: %v", err)
		}
	}

	var dumps []WeightDump
	for _, p := range m.Parameters() {
		r, c := p.Tensor.Dims()
		data := p.Tensor.ToHost()

		wd := WeightDump{Name: p.Name, Rows: r, Cols: c}
		if len(data) > 0 {
			count := min(5, len(data))
			wd.FirstFew = data[:count]
			wd.LastFew = data[len(data)-count:]
			for _, v := range data {
				wd.Sum += v
			}
		}
		dumps = append(dumps, wd)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatal(err)
	}
}
