// Package earlystop decides when training should end and saves the best
// model seen so far.
package earlystop

import (
	"math"

	"github.com/sirupsen/logrus"
)

// Saver persists the model when the monitored metric improves.
type Saver interface {
	SaveBest(epoch int, metric float64) error
}

type SaverFunc func(epoch int, metric float64) error

func (f SaverFunc) SaveBest(epoch int, metric float64) error { return f(epoch, metric) }

// State is the controller's persisted bookkeeping.
type State struct {
	Best        float64 `json:"best"`
	BestEpoch   int     `json:"best_epoch"`
	Counter     int     `json:"counter"`
	Stopped     bool    `json:"stopped"`
	Initialized bool    `json:"initialized"`
}

// Controller tracks a metric to minimise. An epoch improves when the relative
// decrease from the best value exceeds eps.
type Controller struct {
	patience  int
	eps       float64
	maxEpochs int
	saver     Saver
	log       logrus.FieldLogger

	state State
	err   error
}

func New(patience int, eps float64, maxEpochs int, saver Saver) *Controller {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return &Controller{
		patience:  patience,
		eps:       eps,
		maxEpochs: maxEpochs,
		saver:     saver,
		log:       l,
	}
}

// WithLogger sets the logger used for saver failures and decisions.
func (c *Controller) WithLogger(log logrus.FieldLogger) *Controller {
	c.log = log
	return c
}

func (c *Controller) improved(metric float64) bool {
	if !c.state.Initialized {
		return true
	}
	if math.IsNaN(metric) {
		return false
	}
	if c.state.Best == 0 {
		return metric < c.state.Best
	}
	return (c.state.Best-metric)/math.Abs(c.state.Best) > c.eps
}

// Call records the metric for epoch and reports whether training should
// stop. Once it has returned true it keeps returning true.
func (c *Controller) Call(epoch int, metric float64) bool {
	if c.state.Stopped {
		return true
	}
	log := c.log.WithFields(logrus.Fields{"epoch": epoch, "metric": metric})
	if c.improved(metric) {
		c.state.Best = metric
		c.state.BestEpoch = epoch
		c.state.Counter = 0
		c.state.Initialized = true
		if c.saver != nil {
			if err := c.saver.SaveBest(epoch, metric); err != nil {
				log.WithError(err).Error("saving best model failed")
				c.err = err
			}
		}
		log.Info("metric improved")
	} else {
		c.state.Counter++
		log.WithField("epochs_without_improvement", c.state.Counter).Info("metric did not improve")
	}

	if c.state.Counter > c.patience || epoch >= c.maxEpochs-1 {
		c.state.Stopped = true
		log.WithField("best_epoch", c.state.BestEpoch).Info("early stopping")
	}
	return c.state.Stopped
}

// Err returns the most recent saver failure, if any.
func (c *Controller) Err() error {
	return c.err
}

func (c *Controller) State() State {
	return c.state
}

// Restore resumes from persisted bookkeeping.
func (c *Controller) Restore(s State) {
	c.state = s
}

func (c *Controller) Stopped() bool {
	return c.state.Stopped
}

func (c *Controller) Best() (epoch int, metric float64) {
	return c.state.BestEpoch, c.state.Best
}
