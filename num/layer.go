package num

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Layer interface type represents a DNN layer with its own output and input gradient buffers.
type Layer interface {
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
}

// Output spatial size of a convolution layer
func ConvOutSize(in, size, stride, pad int) int {
	return (in+2*pad-size)/stride + 1
}

// Output spatial size of a transposed convolution layer
func DeconvOutSize(in, size, stride, pad, outPad int) int {
	return (in-1)*stride - 2*pad + size + outPad
}

// ConvLayer creates a new 2d convolution layer with input shape [nBatch, depth, h, w],
// nFeats output channels and square kernels of the given size.
func (m hostMemory) ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer {
	oh, ow := ConvOutSize(h, size, stride, pad), ConvOutSize(w, size, stride, pad)
	if oh <= 0 || ow <= 0 {
		panic(fmt.Sprintf("ConvLayer: invalid output size %dx%d for input %dx%d", oh, ow, h, w))
	}
	l := &convLayer{
		typ:      "conv",
		g:        geom{c: depth, h: h, w: w, k: size, s: stride, p: pad, oh: oh, ow: ow},
		nBatch:   nBatch,
		colChans: nFeats,
		inShape:  []int{nBatch, depth, h, w},
		outShape: []int{nBatch, nFeats, oh, ow},
		wShape:   []int{nFeats, depth, size, size},
	}
	return l.alloc(m)
}

// DeconvLayer creates a new transposed convolution layer with input shape [nBatch, depth, h, w]
// and nFeats output channels. outPad adds extra rows and columns to the bottom and right of the output.
func (m hostMemory) DeconvLayer(nBatch, depth, h, w, nFeats, size, stride, pad, outPad int) Layer {
	oh, ow := DeconvOutSize(h, size, stride, pad, outPad), DeconvOutSize(w, size, stride, pad, outPad)
	if oh <= 0 || ow <= 0 || outPad >= stride {
		panic(fmt.Sprintf("DeconvLayer: invalid output size %dx%d for input %dx%d", oh, ow, h, w))
	}
	l := &convLayer{
		typ:       "deconv",
		transpose: true,
		g:         geom{c: nFeats, h: oh, w: ow, k: size, s: stride, p: pad, oh: h, ow: w},
		nBatch:    nBatch,
		colChans:  depth,
		inShape:   []int{nBatch, depth, h, w},
		outShape:  []int{nBatch, nFeats, oh, ow},
		wShape:    []int{depth, nFeats, size, size},
	}
	return l.alloc(m)
}

// Forward propagation
func Fprop(layer Layer) Function {
	l := layer.(*convLayer)
	return args(l.typ+"_fprop", l.fprop)
}

// Backward propagation
func BpropData(layer Layer) Function {
	l := layer.(*convLayer)
	return args(l.typ+"_bprop", l.bpropData)
}

func BpropFilter(layer Layer) Function {
	l := layer.(*convLayer)
	return args(l.typ+"_bprop", l.bpropFilter)
}

func BpropBias(layer Layer) Function {
	l := layer.(*convLayer)
	return args(l.typ+"_bprop", l.bpropBias)
}

// geom describes the image side of a convolution: c channels of h x w pixels and a k x k kernel
// with stride s and padding p which is applied at oh x ow positions.
type geom struct {
	c, h, w, k, s, p, oh, ow int
}

func (g geom) colRows() int { return g.c * g.k * g.k }

func (g geom) colCols() int { return g.oh * g.ow }

func (g geom) imageSize() int { return g.c * g.h * g.w }

// unfold image patches into a [c*k*k, oh*ow] matrix
func im2col(g geom, im, col []float32) {
	n := g.colCols()
	for c := 0; c < g.c; c++ {
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				row := col[((c*g.k+ky)*g.k+kx)*n:]
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.s - g.p + ky
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.s - g.p + kx
						if iy >= 0 && iy < g.h && ix >= 0 && ix < g.w {
							row[oy*g.ow+ox] = im[(c*g.h+iy)*g.w+ix]
						} else {
							row[oy*g.ow+ox] = 0
						}
					}
				}
			}
		}
	}
}

// inverse of im2col: overlapping patches are summed
func col2im(g geom, col, im []float32) {
	for i := range im[:g.imageSize()] {
		im[i] = 0
	}
	n := g.colCols()
	for c := 0; c < g.c; c++ {
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				row := col[((c*g.k+ky)*g.k+kx)*n:]
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.s - g.p + ky
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.s - g.p + kx
						if ix >= 0 && ix < g.w {
							im[(c*g.h+iy)*g.w+ix] += row[oy*g.ow+ox]
						}
					}
				}
			}
		}
	}
}

// convLayer implements both forward and transposed convolution. The weights are viewed as a
// [colChans, g.c*k*k] matrix. For a convolution the image side is the input and for a transposed
// convolution it is the output, so the forward pass of one is the data gradient of the other.
type convLayer struct {
	typ       string
	transpose bool
	g         geom
	nBatch    int
	colChans  int
	inShape   []int
	outShape  []int
	wShape    []int
	src       Array
	diffDst   Array
	dst       Array
	diffSrc   Array
	w, b      Array
	dw, db    Array
	colBuf    [][]float32
	dwBuf     [][]float32
}

func (l *convLayer) alloc(m hostMemory) *convLayer {
	l.dst = m.NewArray(l.outShape...)
	l.diffSrc = m.NewArray(l.inShape...)
	return l
}

func (l *convLayer) Type() string { return l.typ }

func (l *convLayer) Dst() Array { return l.dst }

func (l *convLayer) DiffSrc() Array { return l.diffSrc }

func (l *convLayer) SetSrc(a Array) {
	if a.Size() != Prod(l.inShape) {
		panic(fmt.Sprintf("%s: input size %v does not match %v", l.typ, a.Dims(), l.inShape))
	}
	l.src = a
}

func (l *convLayer) SetDiffDst(a Array) {
	if a.Size() != Prod(l.outShape) {
		panic(fmt.Sprintf("%s: gradient size %v does not match %v", l.typ, a.Dims(), l.outShape))
	}
	l.diffDst = a
}

func (l *convLayer) SetParams(W, B, dW, dB Array) {
	if W.Size() != Prod(l.wShape) || dW.Size() != W.Size() {
		panic(fmt.Sprintf("%s: invalid weight shape %v expecting %v", l.typ, W.Dims(), l.wShape))
	}
	if B.Size() != l.outShape[1] || dB.Size() != B.Size() {
		panic(fmt.Sprintf("%s: invalid bias shape %v", l.typ, B.Dims()))
	}
	l.w, l.b, l.dw, l.db = W, B, dW, dB
}

func (l *convLayer) HasParams() bool { return true }

func (l *convLayer) InShape() []int { return l.inShape }

func (l *convLayer) OutShape() []int { return l.outShape }

func (l *convLayer) FilterShape() []int { return l.wShape }

func (l *convLayer) BiasShape() []int { return []int{l.outShape[1]} }

func (l *convLayer) weights() blas32.General {
	return blas32.General{Rows: l.colChans, Cols: l.g.colRows(), Stride: l.g.colRows(), Data: l.w.Data()}
}

// per worker scratch buffers
func (l *convLayer) buffers(workers int, filter bool) {
	for len(l.colBuf) < workers {
		l.colBuf = append(l.colBuf, make([]float32, l.g.colRows()*l.g.colCols()))
	}
	if filter {
		for len(l.dwBuf) < workers {
			l.dwBuf = append(l.dwBuf, make([]float32, Prod(l.wShape)))
		}
	}
}

// out[i] = W * im2col(image[i])
func (l *convLayer) lower(threads int, image, out []float32) {
	l.buffers(chunks(threads, l.nBatch), false)
	isize, osize := l.g.imageSize(), l.colChans*l.g.colCols()
	wm := l.weights()
	parallel(threads, l.nBatch, func(worker, start, end int) {
		col := l.colMatrix(worker)
		for i := start; i < end; i++ {
			im2col(l.g, image[i*isize:], col.Data)
			res := blas32.General{Rows: l.colChans, Cols: col.Cols, Stride: col.Cols, Data: out[i*osize : (i+1)*osize]}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, wm, col, 0, res)
		}
	})
}

// image[i] = col2im(W' * in[i])
func (l *convLayer) raise(threads int, in, image []float32) {
	l.buffers(chunks(threads, l.nBatch), false)
	isize, csize := l.g.imageSize(), l.colChans*l.g.colCols()
	wm := l.weights()
	parallel(threads, l.nBatch, func(worker, start, end int) {
		col := l.colMatrix(worker)
		for i := start; i < end; i++ {
			x := blas32.General{Rows: l.colChans, Cols: col.Cols, Stride: col.Cols, Data: in[i*csize : (i+1)*csize]}
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, wm, x, 0, col)
			col2im(l.g, col.Data, image[i*isize:])
		}
	})
}

func (l *convLayer) colMatrix(worker int) blas32.General {
	n := l.g.colCols()
	return blas32.General{Rows: l.g.colRows(), Cols: n, Stride: n, Data: l.colBuf[worker]}
}

func (l *convLayer) fprop(threads int) {
	if l.src == nil || l.w == nil {
		panic(l.typ + ": source or parameters not set")
	}
	if l.transpose {
		l.raise(threads, l.src.Data(), l.dst.Data())
	} else {
		l.lower(threads, l.src.Data(), l.dst.Data())
	}
	out, bias := l.dst.Data(), l.b.Data()
	plane := l.outShape[2] * l.outShape[3]
	for i := 0; i < l.nBatch; i++ {
		for c, bv := range bias {
			base := (i*len(bias) + c) * plane
			for j := base; j < base+plane; j++ {
				out[j] += bv
			}
		}
	}
}

func (l *convLayer) bpropData(threads int) {
	if l.diffDst == nil {
		panic(l.typ + ": output gradient not set")
	}
	if l.transpose {
		l.lower(threads, l.diffDst.Data(), l.diffSrc.Data())
	} else {
		l.raise(threads, l.diffDst.Data(), l.diffSrc.Data())
	}
}

// accumulate weight gradient: dW += colSide[i] * im2col(image[i])'
func (l *convLayer) bpropFilter(threads int) {
	if l.diffDst == nil || l.src == nil {
		panic(l.typ + ": source or output gradient not set")
	}
	colSide, image := l.diffDst.Data(), l.src.Data()
	if l.transpose {
		colSide, image = l.src.Data(), l.diffDst.Data()
	}
	workers := chunks(threads, l.nBatch)
	l.buffers(workers, true)
	isize, csize := l.g.imageSize(), l.colChans*l.g.colCols()
	parallel(threads, l.nBatch, func(worker, start, end int) {
		col := l.colMatrix(worker)
		dw := blas32.General{Rows: l.colChans, Cols: col.Rows, Stride: col.Rows, Data: l.dwBuf[worker]}
		for i := range dw.Data {
			dw.Data[i] = 0
		}
		for i := start; i < end; i++ {
			im2col(l.g, image[i*isize:], col.Data)
			x := blas32.General{Rows: l.colChans, Cols: col.Cols, Stride: col.Cols, Data: colSide[i*csize : (i+1)*csize]}
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, x, col, 1, dw)
		}
	})
	dw := l.dw.Data()
	for _, buf := range l.dwBuf[:workers] {
		for i, v := range buf {
			dw[i] += v
		}
	}
}

// accumulate bias gradient
func (l *convLayer) bpropBias(threads int) {
	if l.diffDst == nil {
		panic(l.typ + ": output gradient not set")
	}
	grad, db := l.diffDst.Data(), l.db.Data()
	plane := l.outShape[2] * l.outShape[3]
	for i := 0; i < l.nBatch; i++ {
		for c := range db {
			var sum float32
			base := (i*len(db) + c) * plane
			for _, v := range grad[base : base+plane] {
				sum += v
			}
			db[c] += sum
		}
	}
}
