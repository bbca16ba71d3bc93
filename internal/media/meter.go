package media

import (
	"math"
	"sync"
	"sync/atomic"
)

const (
	DefaultMeterBuffer    = 2048
	DefaultMeterSmoothing = 0.8
	// MeterFFTSize is the analysis window. Levels average its
	// MeterFFTSize/2 frequency bins.
	MeterFFTSize = 1024
	MinDecibels  = -100.0
	MaxDecibels  = -30.0
	// MaxLevel is the top of the level scale.
	MaxLevel = 255.0
)

// Meter turns raw microphone samples into a loudness level in
// [0, MaxLevel]: the mean byte magnitude of the frequency spectrum over the
// last MeterFFTSize samples, smoothed per bin over time. Process is called
// from the capture goroutine; Level may be read from anywhere.
type Meter struct {
	size      int
	smoothing float64
	onLevel   func(float64)

	mu      sync.Mutex
	ring    []float64
	pos     int
	pending int
	mags    []float64
	window  []float64
	re, im  []float64

	level atomic.Uint64
}

// NewMeter returns a meter emitting one level per size samples. onLevel
// may be nil and must not block.
func NewMeter(size int, smoothing float64, onLevel func(float64)) *Meter {
	if size <= 0 {
		size = DefaultMeterBuffer
	}
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultMeterSmoothing
	}
	return &Meter{
		size:      size,
		smoothing: smoothing,
		onLevel:   onLevel,
		ring:      make([]float64, MeterFFTSize),
		mags:      make([]float64, MeterFFTSize/2),
		window:    blackman(MeterFFTSize),
		re:        make([]float64, MeterFFTSize),
		im:        make([]float64, MeterFFTSize),
	}
}

func (m *Meter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

func (m *Meter) Process(pcm []int16) {
	m.mu.Lock()
	var levels []float64
	for _, s := range pcm {
		m.ring[m.pos] = float64(s) / 32768
		m.pos = (m.pos + 1) % MeterFFTSize
		m.pending++
		if m.pending == m.size {
			m.pending = 0
			levels = append(levels, m.analyse())
		}
	}
	m.mu.Unlock()
	if m.onLevel != nil {
		for _, l := range levels {
			m.onLevel(l)
		}
	}
}

func (m *Meter) analyse() float64 {
	for i := 0; i < MeterFFTSize; i++ {
		m.re[i] = m.ring[(m.pos+i)%MeterFFTSize] * m.window[i]
		m.im[i] = 0
	}
	fft(m.re, m.im)

	var sum float64
	for k := range m.mags {
		mag := math.Hypot(m.re[k], m.im[k]) / MeterFFTSize
		m.mags[k] = m.smoothing*m.mags[k] + (1-m.smoothing)*mag
		sum += byteLevel(m.mags[k])
	}
	level := sum / float64(len(m.mags))
	m.level.Store(math.Float64bits(level))
	return level
}

// Reset drops buffered samples and returns the level to zero.
func (m *Meter) Reset() {
	m.mu.Lock()
	clear(m.ring)
	clear(m.mags)
	m.pos, m.pending = 0, 0
	m.level.Store(0)
	m.mu.Unlock()
}

// byteLevel maps a magnitude onto [0, MaxLevel] linearly in decibels
// between MinDecibels and MaxDecibels.
func byteLevel(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := math.Floor(MaxLevel * (db - MinDecibels) / (MaxDecibels - MinDecibels))
	return math.Max(0, math.Min(v, MaxLevel))
}

func blackman(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return w
}

// fft is an in-place radix-2 transform; len(re) must be a power of two.
func fft(re, im []float64) {
	n := len(re)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := -2 * math.Pi / float64(size)
		half := size / 2
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				wr, wi := math.Cos(step*float64(k)), math.Sin(step*float64(k))
				a, b := start+k, start+k+half
				tr := wr*re[b] - wi*im[b]
				ti := wr*im[b] + wi*re[b]
				re[b], im[b] = re[a]-tr, im[a]-ti
				re[a], im[a] = re[a]+tr, im[a]+ti
			}
		}
	}
}
