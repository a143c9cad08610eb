package search

import "errors"

// MaxEndSymbols bounds how many distinct tokens may terminate a hypothesis.
const MaxEndSymbols = 32

// Configuration errors. They are reported before the model is invoked.
var (
	ErrInvalidBeamSize    = errors.New("search: beam size must be positive")
	ErrNoEndSymbol        = errors.New("search: no end symbol configured")
	ErrTooManyEndSymbols  = errors.New("search: too many end symbols")
	ErrNoStartSymbol      = errors.New("search: start symbol must be a valid token id")
	ErrInvalidLengthLimit = errors.New("search: length limit must be positive")
	ErrNotInitialized     = errors.New("search: Init has not been called")
)

// ErrInvariant marks a contract breach between the search loop and the model
// or its input. The batch is aborted and no partial output is produced.
var ErrInvariant = errors.New("search: invariant violated")
