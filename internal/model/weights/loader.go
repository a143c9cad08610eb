// Package weights reads and writes transformer parameters as a flat
// little-endian float32 stream, one tensor after another in the order
// returned by (*model.Transformer).Parameters.
package weights

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-scribe/internal/device"
	"github.com/23skdu/longbow-scribe/internal/model"
	"github.com/rs/zerolog/log"
)

// Loader handles loading model weights from binary files.
type Loader struct {
	Model *model.Transformer
}

// NewLoader creates a new weight loader for the given model.
func NewLoader(m *model.Transformer) *Loader {
	return &Loader{Model: m}
}

// LoadFromRawBinary fills every parameter from path. The file must hold
// exactly the parameters of the model and nothing more.
func (l *Loader) LoadFromRawBinary(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := l.Load(bufio.NewReader(file)); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("parameters", len(l.Model.Parameters())).Msg("Loaded model weights")
	return nil
}

// Load reads the parameters from r.
func (l *Loader) Load(r io.Reader) error {
	for _, p := range l.Model.Parameters() {
		if err := loadDense(r, p.Tensor); err != nil {
			return fmt.Errorf("failed to load %s: %w", p.Name, err)
		}
	}

	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return fmt.Errorf("weights file is larger than the model")
	}
	return nil
}

func loadDense(r io.Reader, d device.Tensor) error {
	rows, cols := d.Dims()
	data := make([]float32, rows*cols)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return err
	}
	d.CopyFromFloat32(data)
	return nil
}

// SaveToRawBinary writes every parameter of the model to path.
func (l *Loader) SaveToRawBinary(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	if err := l.Save(w); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Save writes the parameters to w.
func (l *Loader) Save(w io.Writer) error {
	for _, p := range l.Model.Parameters() {
		if err := binary.Write(w, binary.LittleEndian, p.Tensor.ToHost()); err != nil {
			return fmt.Errorf("failed to save %s: %w", p.Name, err)
		}
	}
	return nil
}
