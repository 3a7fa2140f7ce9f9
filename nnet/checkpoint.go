package nnet

import (
	"io"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jnb666/deepanomaly/num"
)

// Checkpoint wire format, a sequence of length delimited tensor records:
//
//	message Tensor { string name = 1; repeated int64 dims = 2 [packed]; repeated fixed32 data = 3 [packed]; }
//	message Checkpoint { repeated Tensor params = 1; }
const (
	fieldParam protowire.Number = 1
	fieldName  protowire.Number = 1
	fieldDims  protowire.Number = 2
	fieldData  protowire.Number = 3
)

// SaveParams writes the network weights and biases to w.
func SaveParams(w io.Writer, net *Network) error {
	q := net.Queue()
	var buf []byte
	for _, p := range net.Params() {
		var dims []byte
		for _, d := range p.W.Dims() {
			dims = protowire.AppendVarint(dims, uint64(d))
		}
		values := make([]float32, p.W.Size())
		q.Call(num.Read(p.W, values)).Finish()
		data := make([]byte, 0, 4*len(values))
		for _, v := range values {
			data = protowire.AppendFixed32(data, math.Float32bits(v))
		}
		var msg []byte
		msg = protowire.AppendTag(msg, fieldName, protowire.BytesType)
		msg = protowire.AppendString(msg, p.Name)
		msg = protowire.AppendTag(msg, fieldDims, protowire.BytesType)
		msg = protowire.AppendBytes(msg, dims)
		msg = protowire.AppendTag(msg, fieldData, protowire.BytesType)
		msg = protowire.AppendBytes(msg, data)
		buf = protowire.AppendTag(buf, fieldParam, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
	}
	_, err := w.Write(buf)
	return errors.Wrap(err, "write checkpoint")
}

type tensor struct {
	name string
	dims []int
	data []float32
}

// LoadParams reads weights saved by SaveParams into the network, the names and shapes must match.
func LoadParams(r io.Reader, net *Network) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "read checkpoint")
	}
	saved := map[string]tensor{}
	for len(b) > 0 {
		fnum, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "decode checkpoint")
		}
		b = b[n:]
		if fnum != fieldParam || typ != protowire.BytesType {
			if n = protowire.ConsumeFieldValue(fnum, typ, b); n < 0 {
				return errors.Wrap(protowire.ParseError(n), "decode checkpoint")
			}
			b = b[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "decode checkpoint")
		}
		b = b[n:]
		t, err := decodeTensor(msg)
		if err != nil {
			return err
		}
		saved[t.name] = t
	}
	q := net.Queue()
	for _, p := range net.Params() {
		t, ok := saved[p.Name]
		if !ok {
			return errors.Errorf("checkpoint: missing parameter %s", p.Name)
		}
		if !num.SameShape(t.dims, p.W.Dims()) || len(t.data) != p.W.Size() {
			return errors.Errorf("checkpoint: parameter %s has shape %v, expecting %v", p.Name, t.dims, p.W.Dims())
		}
		q.Call(num.Write(p.W, t.data))
	}
	q.Finish()
	return nil
}

func decodeTensor(b []byte) (t tensor, err error) {
	for len(b) > 0 {
		fnum, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, errors.Wrap(protowire.ParseError(n), "decode tensor")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			if n = protowire.ConsumeFieldValue(fnum, typ, b); n < 0 {
				return t, errors.Wrap(protowire.ParseError(n), "decode tensor")
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return t, errors.Wrap(protowire.ParseError(n), "decode tensor")
		}
		b = b[n:]
		switch fnum {
		case fieldName:
			t.name = string(v)
		case fieldDims:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return t, errors.Wrap(protowire.ParseError(n), "decode dims")
				}
				t.dims = append(t.dims, int(d))
				v = v[n:]
			}
		case fieldData:
			for len(v) > 0 {
				x, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return t, errors.Wrap(protowire.ParseError(n), "decode data")
				}
				t.data = append(t.data, math.Float32frombits(x))
				v = v[n:]
			}
		}
	}
	return t, nil
}
