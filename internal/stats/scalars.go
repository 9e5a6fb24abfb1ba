package stats

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ScalarWriter receives named metric values. prefix is "train " or
// "validate " for per-minibatch metrics and empty for global ones.
type ScalarWriter interface {
	Scalar(prefix, name string, step int64, value float64)
}

// Scalar is one recorded metric value.
type Scalar struct {
	Name  string  `json:"name"`
	Step  int64   `json:"step"`
	Value float64 `json:"value"`
}

// LogWriter emits every scalar as a debug line.
type LogWriter struct {
	Log logrus.FieldLogger
}

func (w LogWriter) Scalar(prefix, name string, step int64, value float64) {
	w.Log.WithFields(logrus.Fields{
		"scalar": prefix + name,
		"step":   step,
		"value":  value,
	}).Debug("scalar")
}

// Recorder keeps scalars in memory until drained.
type Recorder struct {
	mu      sync.Mutex
	pending []Scalar
	last    map[string]Scalar
}

func NewRecorder() *Recorder {
	return &Recorder{last: make(map[string]Scalar)}
}

func (r *Recorder) Scalar(prefix, name string, step int64, value float64) {
	s := Scalar{Name: prefix + name, Step: step, Value: value}
	r.mu.Lock()
	r.pending = append(r.pending, s)
	r.last[s.Name] = s
	r.mu.Unlock()
}

// Drain returns and forgets every scalar recorded since the last call.
func (r *Recorder) Drain() []Scalar {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

// Last returns the most recent value recorded under the full name.
func (r *Recorder) Last(name string) (Scalar, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.last[name]
	return s, ok
}

// Names lists every scalar name seen so far.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.last))
	for name := range r.last {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MultiWriter fans scalars out to several writers.
type MultiWriter []ScalarWriter

func (m MultiWriter) Scalar(prefix, name string, step int64, value float64) {
	for _, w := range m {
		w.Scalar(prefix, name, step, value)
	}
}

// Discard drops every scalar.
type Discard struct{}

func (Discard) Scalar(string, string, int64, float64) {}
