package device

import (
	"log"
	"math"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-scribe/internal/simd"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

type CPUBackend struct {
	pool      sync.Pool
	precision Precision
}

func NewCPUBackend() *CPUBackend {
	return newCPUBackend(Float32)
}

// NewCPUBackendFP16 returns a backend that stores every tensor value and
// every kernel result rounded to IEEE half precision.
func NewCPUBackendFP16() *CPUBackend {
	return newCPUBackend(Float16)
}

func newCPUBackend(p Precision) *CPUBackend {
	return &CPUBackend{
		precision: p,
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	if b.precision == Float16 {
		return "CPU-FP16"
	}
	return "CPU"
}

func (b *CPUBackend) Precision() Precision {
	return b.precision
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    make([]float32, r*c),
	}
	if data != nil {
		if len(data) != r*c {
			panic("NewTensor: provided data length does not match dimensions")
		}
		copy(t.data, data)
		b.quantize(t.data)
	}
	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	ct, ok := b.pool.Get().(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		ct.data = make([]float32, size)
	} else {
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct.backend != b {
		return // Don't pool foreign tensors
	}
	ct.rows = 0
	ct.cols = 0
	ct.trans = false
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // Transposed view flag
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	v = t.backend.round(v)
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	rows, cols := t.Dims()
	out := make([]float32, rows*cols)
	if !t.trans {
		copy(out, t.data)
		return out
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = t.At(i, j)
		}
	}
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		panic("CopyFromFloat32: size mismatch")
	}
	copy(t.data, data)
	t.backend.quantize(t.data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft := mustCPU(from, "Copy")

	tr, tc := t.Dims()
	fr, fc := ft.Dims()
	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	if !t.trans && !ft.trans {
		copy(t.data, ft.data)
		t.backend.quantize(t.data)
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, ft.At(i, j))
		}
	}
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j
	if sliceRows <= 0 || sliceCols <= 0 {
		panic("Slice: invalid dimensions")
	}

	out := t.backend.NewTensor(sliceRows, sliceCols, nil).(*CPUTensor)
	for r := 0; r < sliceRows; r++ {
		for c := 0; c < sliceCols; c++ {
			out.data[r*sliceCols+c] = t.At(i+r, j+c)
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans,
	}
}

func (t *CPUTensor) Reshape(r, c int) Tensor {
	if t.trans {
		log.Panic("Reshape not supported on transposed tensor views")
	}
	if r*c != len(t.data) {
		log.Panicf("Reshape: cannot view %d values as %dx%d", len(t.data), r, c)
	}
	return &CPUTensor{backend: t.backend, data: t.data, rows: r, cols: c}
}

// general describes the physical layout of t for BLAS along with the
// transpose flag that recovers the logical view.
func (t *CPUTensor) general() (blas32.General, blas.Transpose) {
	g := blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}
	if t.trans {
		return g, blas.Trans
	}
	return g, blas.NoTrans
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma := mustCPU(a, "Mul")
	mb := mustCPU(b, "Mul")

	ar, ac := ma.Dims()
	br, bc := mb.Dims()
	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}
	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}
	if t.trans {
		log.Panic("Mul: result must not be a transposed view")
	}
	if ar == 0 || bc == 0 {
		return
	}

	ga, ta := ma.general()
	gb, tb := mb.general()
	gc := blas32.General{Rows: tr, Cols: tc, Stride: tc, Data: t.data}
	blas32.Gemm(ta, tb, 1, ga, gb, 0, gc)
	t.backend.quantize(t.data)
}

func (t *CPUTensor) Add(other Tensor) {
	ot := mustCPU(other, "Add")

	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
		t.backend.quantize(t.data)
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, t.At(i, j)+ot.At(i, j))
		}
	}
}

func (t *CPUTensor) AddScalar(val float32) {
	for i := range t.data {
		t.data[i] += val
	}
	t.backend.quantize(t.data)
}

func (t *CPUTensor) Scale(val float32) {
	for i := range t.data {
		t.data[i] *= val
	}
	t.backend.quantize(t.data)
}

// vector returns the values of a 1xN or Nx1 tensor in logical order.
func vector(v *CPUTensor, op string) []float32 {
	r, c := v.Dims()
	if r != 1 && c != 1 {
		log.Panicf("%s: expected a vector, got %dx%d", op, r, c)
	}
	if !v.trans {
		return v.data
	}
	return v.ToHost()
}

func (t *CPUTensor) AddBias(bias Tensor) {
	biasData := vector(mustCPU(bias, "AddBias"), "AddBias")
	if t.trans {
		log.Panic("AddBias not supported on transposed tensor views directly")
	}

	r, c := t.Dims()
	if len(biasData) != c {
		log.Panicf("AddBias: bias length %d does not match %d columns", len(biasData), c)
	}
	for i := 0; i < r; i++ {
		simd.VecAdd(t.data[i*c:(i+1)*c], biasData)
	}
	t.backend.quantize(t.data)
}

func (t *CPUTensor) AddRowBias(bias Tensor) {
	biasData := vector(mustCPU(bias, "AddRowBias"), "AddRowBias")
	if t.trans {
		log.Panic("AddRowBias not supported on transposed tensor views directly")
	}

	r, c := t.Dims()
	if len(biasData) != r {
		log.Panicf("AddRowBias: bias length %d does not match %d rows", len(biasData), r)
	}
	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]
		for j := range row {
			row[j] += biasData[i]
		}
	}
	t.backend.quantize(t.data)
}

func (t *CPUTensor) rowsInPlace(op string, fn func(row []float32)) {
	if t.trans {
		log.Panicf("%s not supported on transposed tensor views directly", op)
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		fn(t.data[i*c : (i+1)*c])
	}
	t.backend.quantize(t.data)
}

func (t *CPUTensor) Softmax() {
	t.rowsInPlace("Softmax", simd.SoftmaxFast)
}

func (t *CPUTensor) LogSoftmax() {
	t.rowsInPlace("LogSoftmax", simd.LogSoftmax)
}

func (t *CPUTensor) Gelu() {
	t.rowsInPlace("Gelu", simd.GeluFast)
}

func (t *CPUTensor) Relu() {
	t.rowsInPlace("Relu", simd.Relu)
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	gammaData := vector(mustCPU(gamma, "LayerNorm"), "LayerNorm")
	betaData := vector(mustCPU(beta, "LayerNorm"), "LayerNorm")

	_, c := t.Dims()
	if len(gammaData) < c || len(betaData) < c {
		log.Panic("LayerNorm params dim mismatch")
	}

	t.rowsInPlace("LayerNorm", func(row []float32) {
		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(c)

		var varSum float32
		for _, v := range row {
			diff := v - mean
			varSum += diff * diff
		}
		invStd := 1.0 / float32(math.Sqrt(float64(varSum/float32(c)+eps)))

		for j := range row {
			row[j] = (row[j]-mean)*invStd*gammaData[j] + betaData[j]
		}
	})
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	out := t.backend.NewTensor(len(indices), c, nil).(*CPUTensor)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			log.Panicf("Gather: index %d out of bounds for %d rows", idx, r)
		}
		if !t.trans {
			copy(out.data[i*c:(i+1)*c], t.data[idx*c:(idx+1)*c])
			continue
		}
		for j := 0; j < c; j++ {
			out.data[i*c+j] = t.At(idx, j)
		}
	}
	return out
}

func (t *CPUTensor) Concat(other Tensor) Tensor {
	ot := mustCPU(other, "Concat")
	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tc != oc {
		log.Panicf("Concat: column mismatch %d != %d", tc, oc)
	}

	out := t.backend.NewTensor(tr+or, tc, nil).(*CPUTensor)
	copy(out.data, t.ToHost())
	copy(out.data[tr*tc:], ot.ToHost())
	return out
}

func (t *CPUTensor) TopK(k int) (Tensor, []int) {
	if t.trans {
		log.Panic("TopK not supported on transposed tensor views directly")
	}
	r, c := t.Dims()
	if k <= 0 || k > c {
		log.Panicf("TopK: k=%d out of range for %d columns", k, c)
	}

	values := t.backend.NewTensor(r, k, nil).(*CPUTensor)
	indices := make([]int, r*k)

	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]
		vals := values.data[i*k : (i+1)*k]
		idx := indices[i*k : (i+1)*k]
		n := 0
		for j, v := range row {
			// A later column only displaces an entry it strictly beats.
			if n == k && !(v > vals[k-1]) {
				continue
			}
			pos := n
			if n < k {
				n++
			} else {
				pos = k - 1
			}
			for pos > 0 && v > vals[pos-1] {
				vals[pos] = vals[pos-1]
				idx[pos] = idx[pos-1]
				pos--
			}
			vals[pos] = v
			idx[pos] = j
		}
	}
	return values, indices
}

func (t *CPUTensor) Linear(input, weight, bias Tensor) Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	result := t.backend.GetTensor(r, wc)
	result.Mul(input, weight)
	if bias != nil {
		result.AddBias(bias)
	}
	return result
}

func (t *CPUTensor) LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor {
	result := t.Linear(input, weight, bias)

	switch activation {
	case ActivationGELU:
		result.Gelu()
	case ActivationReLU:
		result.Relu()
	case ActivationIdentity:
		// No-op
	}
	return result
}

func (t *CPUTensor) Attention(q, k, v Tensor, groups, qLen, kLen, numHeads int, keyMask []float32, scale float32) Tensor {
	qt := mustCPU(q, "Attention")
	kt := mustCPU(k, "Attention")
	vt := mustCPU(v, "Attention")
	if qt.trans || kt.trans || vt.trans {
		log.Panic("Attention not supported on transposed tensor views")
	}

	r, c := qt.Dims()
	kr, kc := kt.Dims()
	if r != groups*qLen || kr != groups*kLen || kc != c {
		log.Panicf("Attention: dims mismatch q=%dx%d k=%dx%d groups=%d qLen=%d kLen=%d", r, c, kr, kc, groups, qLen, kLen)
	}
	if numHeads <= 0 || c%numHeads != 0 {
		log.Panicf("Attention: %d columns cannot be split into %d heads", c, numHeads)
	}
	if keyMask != nil && len(keyMask) != groups*kLen {
		log.Panicf("Attention: key mask has %d entries, want %d", len(keyMask), groups*kLen)
	}
	headDim := c / numHeads

	result := t.backend.NewTensor(r, c, nil).(*CPUTensor)

	workers := numWorkers
	if groups < workers {
		workers = groups
	}
	if workers == 0 {
		return result
	}
	perWorker := (groups + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if start >= groups {
			break
		}
		if end > groups {
			end = groups
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			scores := make([]float32, kLen)

			for g := start; g < end; g++ {
				for h := 0; h < numHeads; h++ {
					lo, hi := h*headDim, (h+1)*headDim

					for qi := 0; qi < qLen; qi++ {
						qRow := qt.data[(g*qLen+qi)*c:]
						for ki := 0; ki < kLen; ki++ {
							if keyMask != nil && keyMask[g*kLen+ki] == 0 {
								scores[ki] = maskedLogit
								continue
							}
							kRow := kt.data[(g*kLen+ki)*c:]
							scores[ki] = simd.DotProduct(qRow[lo:hi], kRow[lo:hi]) * scale
						}
						simd.SoftmaxFast(scores)

						out := result.data[(g*qLen+qi)*c+lo : (g*qLen+qi)*c+hi]
						for ki := 0; ki < kLen; ki++ {
							vRow := vt.data[(g*kLen+ki)*c:]
							simd.VecAddScaled(out, vRow[lo:hi], scores[ki])
						}
					}
				}
			}
		}(start, end)
	}
	wg.Wait()

	t.backend.quantize(result.data)
	return result
}

// maskedLogit removes a key from the softmax without producing NaN when a
// whole row is masked.
const maskedLogit = -1e9

func mustCPU(t Tensor, op string) *CPUTensor {
	ct, ok := t.(*CPUTensor)
	if !ok {
		log.Panicf("Mixed backend %s not supported", op)
	}
	return ct
}
