package search

import "fmt"

// Config carries the decoding parameters shared by beam and greedy search.
type Config struct {
	MaxLen      int
	BeamSize    int
	LengthAlpha float32
	MaxLenAlpha float32
	StartSymbol int
	EndSymbols  []int
}

// Validate reports the first configuration error found.
func (c Config) Validate() error {
	if c.BeamSize <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidBeamSize, c.BeamSize)
	}
	if len(c.EndSymbols) == 0 {
		return ErrNoEndSymbol
	}
	if len(c.EndSymbols) > MaxEndSymbols {
		return fmt.Errorf("%w: %d configured, at most %d", ErrTooManyEndSymbols, len(c.EndSymbols), MaxEndSymbols)
	}
	for _, e := range c.EndSymbols {
		if e < 0 {
			return fmt.Errorf("%w: end symbol %d", ErrNoEndSymbol, e)
		}
	}
	if c.StartSymbol < 0 {
		return fmt.Errorf("%w: got %d", ErrNoStartSymbol, c.StartSymbol)
	}
	if c.MaxLen < 0 || c.MaxLenAlpha < 0 {
		return fmt.Errorf("%w: maxlen=%d maxlenalpha=%g", ErrInvalidLengthLimit, c.MaxLen, c.MaxLenAlpha)
	}
	return nil
}

// LengthLimit is the number of decoding steps allowed for a source of
// srcLen positions: floor(srcLen*MaxLenAlpha) + MaxLen.
func (c Config) LengthLimit(srcLen int) int {
	return int(float32(srcLen)*c.MaxLenAlpha) + c.MaxLen
}

func (c Config) isEnd(token int) bool {
	for _, e := range c.EndSymbols {
		if token == e {
			return true
		}
	}
	return false
}
