package nnet

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/jnb666/deepanomaly/envconfig"
	"github.com/jnb666/deepanomaly/num"
)

// DataDir is the base directory for the corpus, config files and run outputs.
var DataDir = envconfig.DataDir()

// Pipeline configuration settings
type Config struct {
	DataSet        string
	Normal         int
	TrainBatch     int
	EvalBatch      int
	MaxEpoch       int
	EvalNormal     int
	EvalAbnormal   int
	HoldOut        bool
	Panels         int
	SaliencySample int
	Optimizer      string
	Eta            float64
	Beta1          float64
	Beta2          float64
	Epsilon        float64
	Perplexity     float64
	ProjectIter    int
	RandSeed       int64
	UseAccel       bool
	Threads        int
	LogEvery       int
	DebugLevel     int
	Profile        bool
	Encoder        []LayerConfig
	Decoder        []LayerConfig
}

// number of trailing fields which hold the layer definitions
const layerFields = 2

// DefaultConfig is the MNIST experiment: digit 7 is the normal class and the autoencoder compresses
// each 28x28 image to a 64 element latent vector.
func DefaultConfig() Config {
	c := Config{
		DataSet:        "mnist",
		Normal:         7,
		TrainBatch:     128,
		EvalBatch:      64,
		MaxEpoch:       10,
		EvalNormal:     100,
		EvalAbnormal:   100,
		Panels:         5,
		SaliencySample: 10,
		Optimizer:      "adam",
		Eta:            1e-3,
		Beta1:          0.9,
		Beta2:          0.999,
		Epsilon:        1e-8,
		Perplexity:     30,
		ProjectIter:    1000,
		RandSeed:       42,
		UseAccel:       true,
		LogEvery:       1,
	}
	c = c.AddEncoder(
		Conv{Nfeats: 16, Size: 3, Stride: 2, Pad: 1},
		Activation{Atype: "relu"},
		Conv{Nfeats: 32, Size: 3, Stride: 2, Pad: 1},
		Activation{Atype: "relu"},
		Conv{Nfeats: 64, Size: 7},
	)
	return c.AddDecoder(
		Deconv{Nfeats: 32, Size: 7},
		Activation{Atype: "relu"},
		Deconv{Nfeats: 16, Size: 3, Stride: 2, Pad: 1, OutPad: 1},
		Activation{Atype: "relu"},
		Deconv{Nfeats: 1, Size: 3, Stride: 2, Pad: 1, OutPad: 1},
		Activation{Atype: "tanh"},
	)
}

// Load config from json file under DataDir
func LoadConfig(name string) (c Config, err error) {
	filePath := filepath.Join(DataDir, name)
	f, err := os.Open(filePath)
	if err != nil {
		return c, errors.Wrap(err, "load config")
	}
	defer f.Close()
	slog.Info("loading config", "file", filePath)
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "decode config %s", name)
	}
	return c, nil
}

// Append layers to the encoder stack
func (c Config) AddEncoder(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Encoder = append(c.Encoder, l.Marshal())
	}
	return c
}

// Append layers to the decoder stack
func (c Config) AddDecoder(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Decoder = append(c.Decoder, l.Marshal())
	}
	return c
}

// Save config to JSON file under DataDir
func (c Config) Save(name string) error {
	if err := os.MkdirAll(DataDir, 0755); err != nil {
		return errors.Wrap(err, "save config")
	}
	filePath := filepath.Join(DataDir, "."+name)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	slog.Info("saving config", "file", name)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrap(err, "encode config")
	}
	f.Close()
	return os.Rename(filePath, filepath.Join(DataDir, name))
}

// Validate checks the settings which can be verified without the corpus. inShape is the
// shape of a single input sample, if it is not nil the layer stacks are also checked.
func (c Config) Validate(inShape []int) error {
	switch {
	case c.Normal < 0:
		return errors.Wrapf(ErrInvalidClass, "normal class %d", c.Normal)
	case c.TrainBatch <= 0 || c.EvalBatch <= 0:
		return errors.Errorf("batch size must be positive: train=%d eval=%d", c.TrainBatch, c.EvalBatch)
	case c.EvalNormal <= 0 || c.EvalAbnormal <= 0:
		return errors.Wrapf(ErrInsufficientSamples, "evaluation sizes must be positive: normal=%d abnormal=%d",
			c.EvalNormal, c.EvalAbnormal)
	case c.MaxEpoch < 0:
		return errors.Errorf("invalid epoch count %d", c.MaxEpoch)
	case c.Panels <= 0 || c.Panels > c.EvalNormal || c.Panels > c.EvalAbnormal:
		return errors.Errorf("panel count %d out of range", c.Panels)
	case c.SaliencySample < 0 || c.SaliencySample >= c.EvalAbnormal:
		return errors.Errorf("saliency sample %d out of range [0,%d)", c.SaliencySample, c.EvalAbnormal)
	case c.Perplexity <= 0 || c.Perplexity >= float64(c.EvalNormal+c.EvalAbnormal):
		return errors.Errorf("perplexity %g out of range (0,%d)", c.Perplexity, c.EvalNormal+c.EvalAbnormal)
	case c.ProjectIter <= 0:
		return errors.Errorf("invalid projection iteration count %d", c.ProjectIter)
	case len(c.Encoder) == 0 || len(c.Decoder) == 0:
		return errors.New("encoder and decoder must have at least one layer")
	}
	if _, err := NewOptimizer(c); err != nil {
		return err
	}
	for _, stack := range [][]LayerConfig{c.Encoder, c.Decoder} {
		for _, l := range stack {
			if _, err := l.unmarshal(); err != nil {
				return err
			}
		}
	}
	if inShape == nil {
		return nil
	}
	latent, out, err := c.shapes(inShape)
	if err != nil {
		return err
	}
	if num.Prod(latent) >= num.Prod(inShape) {
		return errors.Errorf("bottleneck %v is not smaller than input %v", latent, inShape)
	}
	if !num.SameShape(out, inShape) {
		return errors.Errorf("decoder output %v does not match input %v", out, inShape)
	}
	return nil
}

// shapes of the latent and decoder output given a single sample input shape
func (c Config) shapes(inShape []int) (latent, out []int, err error) {
	shape := append([]int{1}, inShape...)
	for i, stack := range [][]LayerConfig{c.Encoder, c.Decoder} {
		for _, lc := range stack {
			l, err := lc.unmarshal()
			if err != nil {
				return nil, nil, err
			}
			next := l.OutShape(shape)
			if len(next) == 0 {
				return nil, nil, errors.Errorf("layer %s: invalid input shape %v", lc, shape)
			}
			for _, d := range next {
				if d <= 0 {
					return nil, nil, errors.Errorf("layer %s: invalid output shape %v for input %v", lc, next, shape)
				}
			}
			shape = next
		}
		if i == 0 {
			latent = shape[1:]
		}
	}
	return latent, shape[1:], nil
}

func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-layerFields)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	for _, stack := range []struct {
		name   string
		layers []LayerConfig
	}{{"Encoder", c.Encoder}, {"Decoder", c.Decoder}} {
		str := []string{"\n== " + stack.name + " =="}
		for i, layer := range stack.layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, errors.Errorf("unknown config field %q", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	case reflect.String:
		f.SetString(val)
	default:
		return c, errors.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, errors.Wrapf(err, "set %s", key)
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if f.IsValid() && f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, errors.Errorf("invalid type for SetBool: %s", key)
}
