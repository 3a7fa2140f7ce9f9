package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/jnb666/deepanomaly/num"
)

// Layer interface type represents one layer of the autoencoder.
type Layer interface {
	// Init allocates the layer buffers for the given input shape, it is called again if the batch size changes
	Init(q num.Queue, inShape []int) Layer
	OutShape(inShape []int) []int
	Fprop(in num.Array) num.Array
	// Bprop returns the gradient with respect to the input, or nil if inputGrad is not set
	Bprop(grad num.Array, inputGrad bool) num.Array
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
	SetParams(W, B num.Array)
	ZeroGrads()
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() Layer {
	layer, err := l.unmarshal()
	if err != nil {
		panic(err)
	}
	return layer
}

func (l LayerConfig) unmarshal() (Layer, error) {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		if err := unmarshal(l.Data, cfg); err != nil {
			return nil, err
		}
		return &convLayer{Conv: cfg.defaults()}, nil
	case "deconv":
		cfg := new(Deconv)
		if err := unmarshal(l.Data, cfg); err != nil {
			return nil, err
		}
		return &deconvLayer{Deconv: cfg.defaults()}, nil
	case "activation":
		cfg := new(Activation)
		if err := unmarshal(l.Data, cfg); err != nil {
			return nil, err
		}
		return cfg.layer()
	default:
		return nil, errors.Errorf("invalid layer type: %q", l.Type)
	}
}

func (l LayerConfig) String() string {
	layer, err := l.unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	return LayerConfig{Type: "conv", Data: marshal(c.defaults())}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c Conv) defaults() Conv {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return c
}

// Transposed convolution layer, implements ParamLayer interface. OutPad is added to the bottom and
// right of the output so a stride 2 layer can exactly double the input size.
type Deconv struct {
	Nfeats, Size, Stride, Pad, OutPad int
}

func (c Deconv) Marshal() LayerConfig {
	return LayerConfig{Type: "deconv", Data: marshal(c.defaults())}
}

func (c Deconv) ToString() string {
	return fmt.Sprintf("deconv %+v", c)
}

func (c Deconv) defaults() Deconv {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return c
}

// Sigmoid, tanh or relu activation layer.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c Activation) layer() (Layer, error) {
	layer := &activation{Activation: c}
	switch c.Atype {
	case "sigmoid":
		layer.activ = num.Sigmoid
		layer.deriv = num.SigmoidD
	case "tanh":
		layer.activ = num.Tanh
		layer.deriv = num.TanhD
	case "relu":
		layer.activ = num.Relu
		layer.deriv = num.ReluD
	default:
		return nil, errors.Errorf("activation type %q invalid", c.Atype)
	}
	return layer, nil
}

// convolutional layer implementation
type convLayer struct {
	Conv
	paramBase
	*layerDNN
}

func (l *convLayer) OutShape(inShape []int) []int {
	if len(inShape) != 4 {
		return nil
	}
	return []int{inShape[0], l.Nfeats,
		num.ConvOutSize(inShape[2], l.Size, l.Stride, l.Pad),
		num.ConvOutSize(inShape[3], l.Size, l.Stride, l.Pad)}
}

func (l *convLayer) Init(queue num.Queue, inShape []int) Layer {
	if len(inShape) != 4 {
		panic("Conv: expect 4 dimensional input")
	}
	n, d, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	layer := queue.ConvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.paramBase.alloc(queue, layer.FilterShape(), layer.BiasShape())
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(queue, layer)
	return l
}

// transposed convolution layer implementation
type deconvLayer struct {
	Deconv
	paramBase
	*layerDNN
}

func (l *deconvLayer) OutShape(inShape []int) []int {
	if len(inShape) != 4 || l.OutPad >= l.Stride {
		return nil
	}
	return []int{inShape[0], l.Nfeats,
		num.DeconvOutSize(inShape[2], l.Size, l.Stride, l.Pad, l.OutPad),
		num.DeconvOutSize(inShape[3], l.Size, l.Stride, l.Pad, l.OutPad)}
}

func (l *deconvLayer) Init(queue num.Queue, inShape []int) Layer {
	if len(inShape) != 4 {
		panic("Deconv: expect 4 dimensional input")
	}
	n, d, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	layer := queue.DeconvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad, l.OutPad)
	l.paramBase.alloc(queue, layer.FilterShape(), layer.BiasShape())
	layer.SetParams(l.w, l.b, l.dw, l.db)
	l.layerDNN = newLayerDNN(queue, layer)
	return l
}

// activation layers
type activation struct {
	Activation
	layerBase
	activ func(x, y num.Array) num.Function
	deriv func(x, y, z num.Array) num.Function
	queue num.Queue
}

func (l *activation) OutShape(inShape []int) []int { return inShape }

func (l *activation) Init(queue num.Queue, inShape []int) Layer {
	l.queue = queue
	l.layerBase = newLayerBase(queue, inShape, inShape)
	return l
}

func (l *activation) Fprop(in num.Array) num.Array {
	l.src = in
	l.queue.Call(l.activ(l.src, l.dst))
	return l.dst
}

func (l *activation) Bprop(grad num.Array, inputGrad bool) num.Array {
	if !inputGrad {
		return nil
	}
	l.queue.Call(l.deriv(l.src, grad, l.dsrc))
	return l.dsrc
}

// base layer type with output and input gradient buffers
type layerBase struct {
	src  num.Array
	dst  num.Array
	dsrc num.Array
}

func newLayerBase(queue num.Queue, inShape, outShape []int) layerBase {
	return layerBase{
		dst:  queue.NewArray(outShape...),
		dsrc: queue.NewArray(inShape...),
	}
}

// layerDNN wraps a num.Layer which manages its own buffers
type layerDNN struct {
	que   num.Queue
	layer num.Layer
}

func newLayerDNN(queue num.Queue, layer num.Layer) *layerDNN {
	return &layerDNN{que: queue, layer: layer}
}

func (l *layerDNN) DNNLayer() num.Layer {
	return l.layer
}

func (l *layerDNN) Fprop(in num.Array) num.Array {
	l.layer.SetSrc(in)
	l.que.Call(num.Fprop(l.layer))
	return l.layer.Dst()
}

func (l *layerDNN) Bprop(grad num.Array, inputGrad bool) num.Array {
	l.layer.SetDiffDst(grad)
	l.que.Call(
		num.BpropFilter(l.layer),
		num.BpropBias(l.layer),
	)
	if !inputGrad {
		return nil
	}
	l.que.Call(num.BpropData(l.layer))
	return l.layer.DiffSrc()
}

// weight and bias parameters, these persist when the layer is reinitialised for a new batch size
type paramBase struct {
	queue  num.Queue
	w, b   num.Array
	dw, db num.Array
}

func (p *paramBase) alloc(queue num.Queue, wShape, bShape []int) {
	if p.w != nil {
		return
	}
	p.queue = queue
	p.w = queue.NewArray(wShape...)
	p.b = queue.NewArray(bShape...)
	p.dw = queue.NewArray(wShape...)
	p.db = queue.NewArray(bShape...)
}

func (p *paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p *paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

// InitParams sets weights and bias from a uniform distribution in [-1/sqrt(nin), 1/sqrt(nin)]
// where nin is the number of inputs to each output unit.
func (p *paramBase) InitParams(rng *rand.Rand) {
	nin := num.Prod(p.w.Dims()[1:])
	scale := float32(1 / math.Sqrt(float64(nin)))
	weights := make([]float32, p.w.Size())
	for i := range weights {
		weights[i] = (2*rng.Float32() - 1) * scale
	}
	bias := make([]float32, p.b.Size())
	for i := range bias {
		bias[i] = (2*rng.Float32() - 1) * scale
	}
	p.queue.Call(
		num.Write(p.w, weights),
		num.Write(p.b, bias),
	)
}

func (p *paramBase) SetParams(W, B num.Array) {
	p.queue.Call(num.Copy(p.w, W), num.Copy(p.b, B))
}

func (p *paramBase) ZeroGrads() {
	p.queue.Call(num.Fill(p.dw, 0), num.Fill(p.db, 0))
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) error {
	return errors.Wrap(json.Unmarshal(data, v), "decode layer config")
}
