//go:build cgo

package device

// With cgo available, CPUTensor.Mul routes its sgemm calls through the system
// BLAS (Accelerate on macOS, OpenBLAS on Linux) instead of pure-Go gonum.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Str("blas", "netlib").Msg("CPU backend using system BLAS")
}
