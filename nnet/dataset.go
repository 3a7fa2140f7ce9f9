package nnet

import (
	"encoding/gob"
	"image"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/jnb666/deepanomaly/num"
)

func init() {
	gob.Register(data{})
}

// Data interface type represents a labeled corpus of samples
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
	Image(i int) image.Image
}

// Dataset type holds a data set split into mini batches which are loaded in the background.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	queue     num.Queue
	xBuffer   [2][]float32
	yBuffer   [2][]int32
	x         [2]num.Array
	indexes   []int
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct and set the batch size. If rng is nil the data is never shuffled.
func NewDataset(dev num.Device, data Data, batchSize int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if batchSize <= 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	if d.BatchSize > 0 {
		d.Batches = (d.Samples + d.BatchSize - 1) / d.BatchSize
	}
	nfeat := num.Prod(data.Shape())
	for i := range d.xBuffer {
		d.xBuffer[i] = make([]float32, nfeat*d.BatchSize)
		d.yBuffer[i] = make([]int32, d.BatchSize)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue()
	return d
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	num.Release(d.x[:]...)
}

// size of the given batch, the final batch may be smaller
func (d *Dataset) batchLen(batch int) int {
	return min(d.BatchSize, d.Samples-batch*d.BatchSize)
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	go func(buf, batch int) {
		defer d.Done()
		start := batch * d.BatchSize
		end := start + d.batchLen(batch)
		n := end - start
		nfeat := num.Prod(d.Shape())
		if d.x[buf] == nil || d.x[buf].Dims()[0] != n {
			num.Release(d.x[buf])
			d.x[buf] = d.queue.NewArray(append([]int{n}, d.Shape()...)...)
		}
		d.Input(d.indexes[start:end], d.xBuffer[buf])
		d.Label(d.indexes[start:end], d.yBuffer[buf])
		d.queue.Call(num.Write(d.x[buf], d.xBuffer[buf][:n*nfeat])).Finish()
	}(d.buf, d.batch)
}

// Get next batch of data, y holds the class labels
func (d *Dataset) NextBatch() (x num.Array, y []int32) {
	d.Wait()
	n := d.batchLen(d.batch)
	x, y = d.x[d.buf], d.yBuffer[d.buf][:n]
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return
}

// Called at start of each epoch, shuffles the data if the dataset was created with a random source
func (d *Dataset) NextEpoch() {
	d.Wait()
	if d.rng != nil {
		d.indexes = d.rng.Perm(d.Samples)
	}
	d.batch = 0
	d.loadBatch()
}

// Rewind to start of data without shuffling
func (d *Dataset) Rewind() {
	d.Wait()
	d.batch = 0
	d.loadBatch()
}

// Index returns the corpus positions in the order they are currently being served
func (d *Dataset) Index() []int {
	return d.indexes
}

// Subset returns a view of the data containing the samples at the given positions, in that order.
func Subset(d Data, index []int) Data {
	if s, ok := d.(subset); ok {
		mapped := make([]int, len(index))
		for i, ix := range index {
			mapped[i] = s.index[ix]
		}
		return subset{Data: s.Data, index: mapped}
	}
	return subset{Data: d, index: append([]int{}, index...)}
}

type subset struct {
	Data
	index []int
}

func (s subset) Len() int { return len(s.index) }

func (s subset) Label(index []int, label []int32) {
	s.Data.Label(s.remap(index), label)
}

func (s subset) Input(index []int, buf []float32) {
	s.Data.Input(s.remap(index), buf)
}

func (s subset) Image(i int) image.Image {
	return s.Data.Image(s.index[i])
}

func (s subset) remap(index []int) []int {
	ix := make([]int, len(index))
	for i, j := range index {
		ix[i] = s.index[j]
	}
	return ix
}

// Labels reads all of the class labels for the data set
func Labels(d Data) []int32 {
	index := make([]int, d.Len())
	for i := range index {
		index[i] = i
	}
	labels := make([]int32, d.Len())
	d.Label(index, labels)
	return labels
}

// Decode data from file in gob format under DataDir
func LoadDataFile(name string) (Data, error) {
	filePath := filepath.Join(DataDir, name+".dat")
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "load data")
	}
	defer f.Close()
	var d Data
	if err = gob.NewDecoder(f).Decode(&d); err != nil {
		return nil, errors.Wrapf(err, "decode %s", filePath)
	}
	slog.Info("loaded data", "file", filePath, "shape", d.Shape(), "samples", d.Len())
	return d, nil
}

// Encode in gob format and save to file under DataDir
func SaveDataFile(d Data, name string) error {
	if err := os.MkdirAll(DataDir, 0755); err != nil {
		return errors.Wrap(err, "save data")
	}
	filePath := filepath.Join(DataDir, name+".dat")
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save data")
	}
	defer f.Close()
	slog.Info("saving data", "file", filePath)
	return errors.Wrap(gob.NewEncoder(f).Encode(&d), "encode data")
}

// Check if file exists under DataDir
func FileExists(name string) bool {
	_, err := os.Stat(filepath.Join(DataDir, name))
	return err == nil
}

type data struct {
	Class  []string
	Dims   []int
	Labels []int32
	Inputs []float32
}

// NewData function creates a new in memory data set which implements the Data interface
func NewData(nclasses int, shape []int, labels []int32, inputs []float32) Data {
	classes := make([]string, nclasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return data{Class: classes, Dims: shape, Labels: labels, Inputs: inputs}
}

func (d data) Len() int { return len(d.Labels) }

func (d data) Classes() []string { return d.Class }

func (d data) Shape() []int { return d.Dims }

func (d data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d data) Input(index []int, buf []float32) {
	nfeat := num.Prod(d.Dims)
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
}

func (d data) Image(i int) image.Image { return nil }
