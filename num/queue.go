package num

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
)

const queueSize = 64

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue() Queue
	// Allocate new n dimensional array
	NewArray(dims ...int) Array
	NewArrayLike(a Array) Array
	// Create new layers
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer
	DeconvLayer(nBatch, depth, h, w, nFeats, size, stride, pad, outPad int) Layer
	// Name of the backend
	Name() string
	// Number of worker threads used by each operation
	Threads() int
}

// Accelerated reports if the host supports the vectorised multi-threaded backend.
func Accelerated() bool {
	return cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) && runtime.NumCPU() > 1
}

// Initialise new accelerated or plain CPU device. The accelerated device is only returned if it was
// requested and the capability check passes, otherwise we fall back to a single threaded device.
// threads <= 0 means use all available CPUs.
func NewDevice(useAccel bool, threads int) Device {
	if useAccel && Accelerated() {
		if threads <= 0 {
			threads = runtime.NumCPU()
		}
		slog.Info("using accelerated device", "cpu", cpuid.CPU.BrandName, "threads", threads)
		return accelDevice{threads: threads}
	}
	if useAccel {
		slog.Info("accelerated device not available, using cpu", "cpu", cpuid.CPU.BrandName)
	}
	return cpuDevice{}
}

// NewCPUDevice returns the general purpose single threaded device.
func NewCPUDevice() Device {
	return cpuDevice{}
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Queue function calls, they are executed in order
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// Function which may be called via the queue
type Function struct {
	name string
	exec func(threads int)
}

func args(name string, exec func(threads int)) Function {
	return Function{name: name, exec: exec}
}

// cpuDevice runs each operation on the calling goroutine
type cpuDevice struct {
	hostMemory
}

func (d cpuDevice) Name() string { return "cpu" }

func (d cpuDevice) Threads() int { return 1 }

func (d cpuDevice) NewQueue() Queue {
	return &queue{Device: d, threads: 1, profile: newProfile()}
}

// accelDevice splits each operation across a pool of worker goroutines
type accelDevice struct {
	hostMemory
	threads int
}

func (d accelDevice) Name() string { return "accel" }

func (d accelDevice) Threads() int { return d.threads }

func (d accelDevice) NewQueue() Queue {
	return &queue{Device: d, threads: d.threads, profile: newProfile()}
}

type queue struct {
	Device
	threads int
	buffer  [queueSize]Function
	queued  int
	*profile
}

func (q *queue) Dev() Device { return q.Device }

func (q *queue) exec() {
	for _, f := range q.buffer[:q.queued] {
		if q.profile.enabled {
			start := time.Now()
			f.exec(q.threads)
			q.profile.add(f.name, time.Since(start))
		} else {
			f.exec(q.threads)
		}
	}
	for i := range q.buffer[:q.queued] {
		q.buffer[i] = Function{}
	}
	q.queued = 0
}

func (q *queue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.queued >= queueSize {
			q.exec()
		}
		q.buffer[q.queued] = arg
		q.queued++
	}
	return q
}

func (q *queue) Finish() {
	if q.queued > 0 {
		q.exec()
	}
}

func (q *queue) Shutdown() {
	q.Finish()
	if q.profile.enabled {
		fmt.Print(q.Profile())
	}
}

// parallel splits the range [0, n) into at most threads chunks and calls body for each chunk,
// worker is the chunk index which may be used to select a per worker buffer.
func parallel(threads, n int, body func(worker, start, end int)) {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		if n > 0 {
			body(0, 0, n)
		}
		return
	}
	chunk := (n + threads - 1) / threads
	var g errgroup.Group
	for w := 0; w < threads; w++ {
		w := w
		start, end := w*chunk, min((w+1)*chunk, n)
		if start >= end {
			break
		}
		g.Go(func() error {
			body(w, start, end)
			return nil
		})
	}
	g.Wait()
}

// number of chunks which parallel will use for a range of n items
func chunks(threads, n int) int {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		return 1
	}
	chunk := (n + threads - 1) / threads
	return (n + chunk - 1) / chunk
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += float64(elapsed) / float64(time.Millisecond)
	p.prof[name] = r
}

func (p *profile) Profile() string {
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	var s strings.Builder
	s.WriteString("== Profile ==\n")
	totalCalls := int64(0)
	totalMsec := 0.0
	for _, r := range list {
		fmt.Fprintf(&s, "%-25s %8d calls %10.1f msec\n", r.name, r.calls, r.msec)
		totalCalls += r.calls
		totalMsec += r.msec
	}
	fmt.Fprintf(&s, "%-25s %8d calls %10.1f msec\n", "TOTAL", totalCalls, totalMsec)
	return s.String()
}
