package nnet

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/jnb666/deepanomaly/num"
)

// Optimizer updates the network parameters from their accumulated gradients.
type Optimizer interface {
	Update(q num.Queue, params []Param)
	String() string
}

// NewOptimizer returns the optimizer selected by the config Optimizer field.
func NewOptimizer(c Config) (Optimizer, error) {
	switch c.Optimizer {
	case "adam", "":
		return &Adam{Eta: float32(c.Eta), Beta1: float32(c.Beta1), Beta2: float32(c.Beta2), Epsilon: float32(c.Epsilon)}, nil
	case "sgd":
		return &SGD{Eta: float32(c.Eta)}, nil
	default:
		return nil, errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
}

// Adam optimizer with bias corrected first and second moment estimates.
type Adam struct {
	Eta, Beta1, Beta2, Epsilon float32
	step                       int
	m, v                       []num.Array
}

func (o *Adam) Update(q num.Queue, params []Param) {
	if len(o.m) != len(params) {
		num.Release(o.m...)
		num.Release(o.v...)
		o.m, o.v = make([]num.Array, len(params)), make([]num.Array, len(params))
		for i, p := range params {
			o.m[i] = q.NewArrayLike(p.W)
			o.v[i] = q.NewArrayLike(p.W)
		}
		o.step = 0
	}
	o.step++
	for i, p := range params {
		q.Call(num.Adam(p.W, p.Grad, o.m[i], o.v[i], o.Eta, o.Beta1, o.Beta2, o.Epsilon, o.step))
	}
}

// Steps returns the number of updates applied so far
func (o *Adam) Steps() int { return o.step }

func (o *Adam) String() string {
	return fmt.Sprintf("adam eta=%g beta1=%g beta2=%g eps=%g", o.Eta, o.Beta1, o.Beta2, o.Epsilon)
}

// SGD is plain stochastic gradient descent.
type SGD struct {
	Eta float32
}

func (o *SGD) Update(q num.Queue, params []Param) {
	for _, p := range params {
		q.Call(num.Axpy(-o.Eta, p.Grad, p.W))
	}
}

func (o *SGD) String() string {
	return fmt.Sprintf("sgd eta=%g", o.Eta)
}
