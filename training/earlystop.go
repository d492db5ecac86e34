package training

import "math"

// EarlyStopping halts training when validation loss stops improving. Only a
// strictly lower loss counts as an improvement and resets the patience
// counter.
type EarlyStopping struct {
	patience int
	bestLoss float64
	counter  int
}

// NewEarlyStopping creates an early stopping monitor. A patience of n allows
// n consecutive epochs without improvement before stopping.
func NewEarlyStopping(patience int) *EarlyStopping {
	if patience <= 0 {
		patience = 5
	}
	return &EarlyStopping{
		patience: patience,
		bestLoss: math.Inf(1),
	}
}

// Observe records one epoch's validation loss and returns true when training
// should stop.
func (es *EarlyStopping) Observe(valLoss float64) bool {
	if valLoss < es.bestLoss {
		es.bestLoss = valLoss
		es.counter = 0
		return false
	}

	es.counter++
	return es.counter >= es.patience
}

// BestLoss returns the lowest validation loss observed so far.
func (es *EarlyStopping) BestLoss() float64 {
	return es.bestLoss
}

// Counter returns the number of consecutive epochs without improvement.
func (es *EarlyStopping) Counter() int {
	return es.counter
}

// Patience returns the configured patience.
func (es *EarlyStopping) Patience() int {
	return es.patience
}
