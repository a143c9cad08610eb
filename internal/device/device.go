package device

// Tensor is a row-major 2-D array resident on a backend. Decoder state uses
// the flattened (Rows*Seq, Hidden) layout throughout.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice, nil for transposed views.
	Data() []float32

	// ToHost copies the data to a Go slice.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice to the tensor.
	CopyFromFloat32(data []float32)

	Copy(from Tensor)

	// Slice copies the block [i,k) x [j,l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns the transpose view.
	T() Tensor

	// Reshape returns a view with the same data and new dimensions.
	Reshape(r, c int) Tensor

	// Mul performs matrix multiplication.
	// Convention: t.Mul(a, b) means t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// AddScalar performs: t = t + val
	AddScalar(val float32)

	// Scale performs: t = t * val
	Scale(val float32)

	// AddBias adds a 1xC bias vector to every row.
	AddBias(bias Tensor)

	// AddRowBias adds bias[i] to every element of row i. bias is Rx1 or 1xR.
	AddRowBias(bias Tensor)

	// Activation functions (In-Place)
	Softmax()
	LogSoftmax()
	Gelu()
	Relu()

	// LayerNorm performs layer normalization (In-Place).
	LayerNorm(gamma, beta Tensor, eps float32)

	// Gather collects rows based on indices. Returns new Tensor.
	Gather(indices []int) Tensor

	// Concat appends the rows of other below the rows of t. Returns new Tensor.
	Concat(other Tensor) Tensor

	// TopK selects the k largest entries of every row. values is (rows, k),
	// indices holds the column of each selected entry in the same layout.
	// Larger values come first; equal values keep the lower column first.
	TopK(k int) (values Tensor, indices []int)

	// Linear performs a fused MatMul + BiasAdd and returns the result.
	Linear(input, weight, bias Tensor) Tensor

	// LinearActivation performs Linear followed by Activation.
	LinearActivation(input, weight, bias Tensor, activation ActivationType) Tensor

	// Attention computes Softmax(Q * K^T * scale) * V per head.
	//
	// q holds groups*qLen rows, k and v hold groups*kLen rows; query rows of
	// group g only attend to key rows of group g. keyMask (groups*kLen, may be
	// nil) marks attendable keys with 1 and padding with 0. Hidden columns are
	// split evenly across numHeads.
	Attention(q, k, v Tensor, groups, qLen, kLen, numHeads int, keyMask []float32, scale float32) Tensor
}

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationGELU
	ActivationReLU
)

// Precision is the working numeric format of a backend.
type Precision int

const (
	Float32 Precision = iota
	Float16
)

func (p Precision) String() string {
	switch p {
	case Float16:
		return "fp16"
	default:
		return "fp32"
	}
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	Precision() Precision
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
