// Package num contains numeric Array processing routines such as matrix multiplication and convolution.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// TransType flag indicates if matrix is transposed
type TransType = blas.Transpose

const (
	NoTrans TransType = blas.NoTrans
	Trans   TransType = blas.Trans
)

// Read data from array into a slice.
func Read(a Array, data []float32) Function {
	if len(data) < a.Size() {
		panic("Read: buffer too small")
	}
	return args("read", func(int) { copy(data, a.Data()) })
}

// Write data from a slice into the given array.
func Write(a Array, data []float32) Function {
	if len(data) != a.Size() {
		panic(fmt.Sprintf("Write: size mismatch have %d expect %d", len(data), a.Size()))
	}
	return args("write", func(int) { copy(a.Data(), data) })
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return args("fill", func(int) {
		data := a.Data()
		for i := range data {
			data[i] = scalar
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled row wise
func Copy(dst, src Array) Function {
	ddim, sdim := dst.Dims(), src.Dims()
	if SameShape(ddim, sdim) || (dst.Size() == src.Size() && len(sdim) != 1) {
		return args("copy", func(int) { copy(dst.Data(), src.Data()) })
	}
	if len(sdim) == 1 && len(ddim) == 2 && sdim[0] == ddim[1] {
		return args("tile", func(int) {
			d, s := dst.Data(), src.Data()
			for row := 0; row < ddim[0]; row++ {
				copy(d[row*ddim[1]:], s)
			}
		})
	}
	panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	return args("scale", func(int) {
		data := x.Data()
		for i := range data {
			data[i] *= alpha
		}
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return args("axpy", func(int) {
		blas32.Axpy(alpha, vector(x), vector(y))
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if total.Size() != 1 {
		panic("Sum: result type should be a scalar")
	}
	return args("sum", func(int) {
		var sum float64
		for _, v := range a.Data() {
			sum += float64(v)
		}
		total.Data()[0] = float32(sum) * scale
	})
}

// Element wise absolute value: y = |x|
func Abs(x, y Array) Function {
	return unaryFunc("abs", x, y, func(v float32) float32 { return abs(v) })
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	return args("gemm", func(int) {
		blas32.Gemm(aTrans, bTrans, alpha, general(mA), general(mB), beta, general(mC))
	})
}

// Sigmoid activation function: y = 1/(1+e**(-x))
func Sigmoid(x, y Array) Function {
	return unaryFunc("sigmoid", x, y, sigmoid)
}

// SigmoidD sets y to the gradient at the sigmoid input given input x and output gradient grad.
func SigmoidD(x, grad, y Array) Function {
	return binaryFunc("sigmoid_d", x, grad, y, func(x, g float32) float32 {
		s := sigmoid(x)
		return g * s * (1 - s)
	})
}

// Tanh activation function: y = tanh(x)
func Tanh(x, y Array) Function {
	return unaryFunc("tanh", x, y, tanh)
}

func TanhD(x, grad, y Array) Function {
	return binaryFunc("tanh_d", x, grad, y, func(x, g float32) float32 {
		t := tanh(x)
		return g * (1 - t*t)
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return 0
	})
}

func ReluD(x, grad, y Array) Function {
	return binaryFunc("relu_d", x, grad, y, func(x, g float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
}

// Quadratic loss function: (x-y)**2
func QuadraticLoss(x, y, res Array) Function {
	return binaryFunc("quad_loss", x, y, res, func(x, y float32) float32 {
		return (x - y) * (x - y)
	})
}

// Gradient of the mean squared error loss with respect to the prediction: grad = 2*(yPred-y)/n
// where n is the total number of elements.
func MSEGrad(yPred, y, grad Array) Function {
	scale := 2 / float32(yPred.Size())
	return binaryFunc("mse_grad", yPred, y, grad, func(p, t float32) float32 {
		return scale * (p - t)
	})
}

// Adam optimiser update step for weights w with gradient dw and moment estimates m and v.
// step is the 1 based update count used for bias correction.
func Adam(w, dw, m, v Array, eta, beta1, beta2, epsilon float32, step int) Function {
	if w.Size() != dw.Size() || w.Size() != m.Size() || w.Size() != v.Size() {
		panic("Adam: arrays must be same size")
	}
	corr1 := 1 - math.Pow(float64(beta1), float64(step))
	corr2 := 1 - math.Pow(float64(beta2), float64(step))
	rate := float32(float64(eta) * math.Sqrt(corr2) / corr1)
	eps := float32(float64(epsilon) * math.Sqrt(corr2))
	return args("adam", func(threads int) {
		wd, dwd, md, vd := w.Data(), dw.Data(), m.Data(), v.Data()
		parallel(threads, len(wd), func(_, start, end int) {
			for i := start; i < end; i++ {
				g := dwd[i]
				md[i] = beta1*md[i] + (1-beta1)*g
				vd[i] = beta2*vd[i] + (1-beta2)*g*g
				wd[i] -= rate * md[i] / (sqrt(vd[i]) + eps)
			}
		})
	})
}

func unaryFunc(name string, x, y Array, fn func(float32) float32) Function {
	if !SameShape(x.Dims(), y.Dims()) {
		panic(fmt.Sprintf("%s: arrays must be same shape", name))
	}
	return args(name, func(threads int) {
		xd, yd := x.Data(), y.Data()
		parallel(threads, len(xd), func(_, start, end int) {
			for i := start; i < end; i++ {
				yd[i] = fn(xd[i])
			}
		})
	})
}

func binaryFunc(name string, x, y, z Array, fn func(x, y float32) float32) Function {
	if !SameShape(x.Dims(), z.Dims()) || !SameShape(y.Dims(), z.Dims()) {
		panic(fmt.Sprintf("%s: arrays must be same shape", name))
	}
	return args(name, func(threads int) {
		xd, yd, zd := x.Data(), y.Data(), z.Data()
		parallel(threads, len(xd), func(_, start, end int) {
			for i := start; i < end; i++ {
				zd[i] = fn(xd[i], yd[i])
			}
		})
	})
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

func sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func vector(a Array) blas32.Vector {
	return blas32.Vector{N: a.Size(), Inc: 1, Data: a.Data()}
}

func general(a Array) blas32.General {
	dims := a.Dims()
	return blas32.General{Rows: dims[0], Cols: dims[1], Stride: dims[1], Data: a.Data()}
}
