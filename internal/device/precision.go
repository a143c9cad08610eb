package device

import "github.com/x448/float16"

// host is the full-precision backend used for search-side accumulation.
var host = NewCPUBackend()

// Host returns the shared float32 CPU backend.
func Host() *CPUBackend {
	return host
}

// Widen copies t onto the float32 host backend. Scores derived from a
// half-precision model are accumulated on the widened copy.
func Widen(t Tensor) Tensor {
	r, c := t.Dims()
	return host.NewTensor(r, c, t.ToHost())
}

// RoundFP16 rounds v to the nearest representable half-precision value.
func RoundFP16(v float32) float32 {
	return float16.Fromfloat32(v).Float32()
}

func (b *CPUBackend) round(v float32) float32 {
	if b.precision != Float16 {
		return v
	}
	return RoundFP16(v)
}

func (b *CPUBackend) quantize(data []float32) {
	if b.precision != Float16 {
		return
	}
	for i, v := range data {
		data[i] = RoundFP16(v)
	}
}
