// Package nnet contains routines for constructing and training a convolutional autoencoder.
package nnet

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jnb666/deepanomaly/num"
)

// Configuration and data errors which are reported before training starts
var (
	ErrInvalidClass        = errors.New("invalid normal class")
	ErrEmptyPartition      = errors.New("empty partition")
	ErrInsufficientSamples = errors.New("not enough samples")
)

// Network type represents an autoencoder built from an encoder and a decoder layer stack.
type Network struct {
	Config
	Encoder    []Layer
	Decoder    []Layer
	queue      num.Queue
	inShape    []int
	batch      int
	trackInput bool
	losses     num.Array
	batchLoss  num.Array
	outGrad    num.Array
}

// Param is a reference to one of the network weight or bias arrays and its gradient
type Param struct {
	Name string
	W    num.Array
	Grad num.Array
}

// New function creates a new network for input samples of the given shape.
func New(queue num.Queue, conf Config, inShape []int) (*Network, error) {
	if err := conf.Validate(inShape); err != nil {
		return nil, err
	}
	n := &Network{Config: conf, queue: queue, inShape: append([]int{}, inShape...)}
	for _, l := range conf.Encoder {
		n.Encoder = append(n.Encoder, l.Unmarshal())
	}
	for _, l := range conf.Decoder {
		n.Decoder = append(n.Decoder, l.Unmarshal())
	}
	n.batchLoss = queue.NewArray()
	n.setBatch(1)
	return n, nil
}

// Allocate layer buffers for a new batch size, parameters are preserved
func (n *Network) setBatch(size int) {
	if size == n.batch {
		return
	}
	n.batch = size
	shape := append([]int{size}, n.inShape...)
	for _, layer := range n.layers() {
		layer.Init(n.queue, shape)
		shape = layer.OutShape(shape)
	}
	num.Release(n.losses, n.outGrad)
	n.losses = n.queue.NewArray(shape...)
	n.outGrad = n.queue.NewArray(shape...)
	if n.DebugLevel >= 1 {
		slog.Debug("network batch size", "batch", size, "out", shape)
	}
}

func (n *Network) layers() []Layer {
	return append(append([]Layer{}, n.Encoder...), n.Decoder...)
}

// Queue used to run the network operations
func (n *Network) Queue() num.Queue { return n.queue }

// InShape is the shape of a single input sample
func (n *Network) InShape() []int { return n.inShape }

// LatentShape is the shape of the bottleneck encoding for a single sample
func (n *Network) LatentShape() []int {
	shape := append([]int{1}, n.inShape...)
	for _, layer := range n.Encoder {
		shape = layer.OutShape(shape)
	}
	return shape[1:]
}

// OutShape is the shape of the decoder output for a single sample
func (n *Network) OutShape() []int {
	shape := append([]int{1}, n.inShape...)
	for _, layer := range n.layers() {
		shape = layer.OutShape(shape)
	}
	return shape[1:]
}

// Initialise network weights using a uniform distribution scaled by 1/sqrt(nin)
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.layers() {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(rng)
		}
	}
	n.ZeroGrads()
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Params returns the weight and bias arrays in layer order
func (n *Network) Params() []Param {
	var p []Param
	for _, stack := range []struct {
		name   string
		layers []Layer
	}{{"encoder", n.Encoder}, {"decoder", n.Decoder}} {
		for i, layer := range stack.layers {
			if l, ok := layer.(ParamLayer); ok {
				W, B := l.Params()
				dW, dB := l.ParamGrads()
				p = append(p,
					Param{Name: fmt.Sprintf("%s.%d.weight", stack.name, i), W: W, Grad: dW},
					Param{Name: fmt.Sprintf("%s.%d.bias", stack.name, i), W: B, Grad: dB},
				)
			}
		}
	}
	return p
}

// Copy weights and bias arrays to destination net
func (n *Network) CopyTo(net *Network) {
	dst := net.layers()
	for i, layer := range n.layers() {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			dst[i].(ParamLayer).SetParams(W, B)
		}
	}
	n.queue.Finish()
}

// ZeroGrads clears the accumulated parameter gradients
func (n *Network) ZeroGrads() {
	for _, layer := range n.layers() {
		if l, ok := layer.(ParamLayer); ok {
			l.ZeroGrads()
		}
	}
}

// TrackInput enables computing the gradient with respect to the network input in Bprop
func (n *Network) TrackInput(on bool) {
	n.trackInput = on
}

// Encode the input to get the latent representation
func (n *Network) Encode(input num.Array) num.Array {
	n.setBatch(input.Dims()[0])
	return n.fprop(n.Encoder, input)
}

// Decode the latent representation to get the reconstructed output
func (n *Network) Decode(latent num.Array) num.Array {
	n.setBatch(latent.Dims()[0])
	return n.fprop(n.Decoder, latent)
}

// Feed forward the input to get the reconstruction
func (n *Network) Fprop(input num.Array) num.Array {
	return n.Decode(n.Encode(input))
}

func (n *Network) fprop(layers []Layer, pred num.Array) num.Array {
	for i, layer := range layers {
		if n.DebugLevel >= 2 && pred != nil {
			fmt.Printf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred)
	}
	return pred
}

// Back propagate the gradient at the output, accumulating the parameter gradients. Returns the
// gradient with respect to the input if input tracking is enabled, otherwise nil.
func (n *Network) Bprop(grad num.Array) num.Array {
	layers := n.layers()
	for i := len(layers) - 1; i >= 0; i-- {
		grad = layers[i].Bprop(grad, i > 0 || n.trackInput)
		if n.DebugLevel >= 3 && grad != nil {
			fmt.Printf("layer %d bprop output:\n%s", i, grad.String(n.queue))
		}
	}
	return grad
}

// Update the weights using the accumulated gradients
func (n *Network) Update(opt Optimizer) {
	opt.Update(n.queue, n.Params())
}

// mean squared error between the prediction and target, also sets the gradient at the output
func (n *Network) mse(yPred, y num.Array) float64 {
	q := n.queue
	q.Call(
		num.QuadraticLoss(yPred, y, n.losses),
		num.Sum(n.losses, n.batchLoss, 1/float32(yPred.Size())),
		num.MSEGrad(yPred, y, n.outGrad),
	)
	loss := []float32{0}
	q.Call(num.Read(n.batchLoss, loss)).Finish()
	return float64(loss[0])
}

// Loss returns the mean squared reconstruction error for the input batch
func (n *Network) Loss(input num.Array) float64 {
	return n.mse(n.Fprop(input), input)
}

// InputGrad computes the gradient of the reconstruction error with respect to the input itself,
// where the input is used both as the network input and as the loss target. The parameter gradients
// are cleared before and after so they are never applied. Returns a newly allocated array.
func (n *Network) InputGrad(input num.Array) num.Array {
	q := n.queue
	track := n.trackInput
	n.TrackInput(true)
	defer n.TrackInput(track)
	n.ZeroGrads()
	n.mse(n.Fprop(input), input)
	grad := q.NewArrayLike(input)
	q.Call(num.Copy(grad, n.Bprop(n.outGrad)))
	// input is also the target so add the direct term -dL/dpred
	q.Call(num.Axpy(-1, n.outGrad.Reshape(input.Dims()...), grad))
	n.ZeroGrads()
	q.Finish()
	return grad
}

// Print network description
func (n *Network) String() string {
	var s []string
	shape := append([]int{n.batch}, n.inShape...)
	for i, layer := range n.layers() {
		s = append(s, fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), shape))
		shape = layer.OutShape(shape)
	}
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config, strings.Join(s, "\n"))
}

// Print network weights
func (n *Network) PrintWeights() {
	for _, p := range n.Params() {
		fmt.Printf("== %s ==\n%s", p.Name, p.W.String(n.queue))
	}
}

// Set random number seed, or random seed if seed <= 0
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	slog.Info("random seed", "seed", seed)
	return rand.New(rand.NewSource(seed))
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
