package training

import (
	"math"
)

// LRScheduler maps an epoch number to a learning rate. Schedulers are pure
// functions of the epoch so resuming from a checkpoint needs no scheduler
// state.
type LRScheduler interface {
	// LearningRate returns the rate for the given zero-based epoch.
	LearningRate(epoch int, baseLR float64) float64

	// Name returns the scheduler name for logging.
	Name() string
}

// ConstantLR keeps the base learning rate unchanged.
type ConstantLR struct{}

func (s *ConstantLR) LearningRate(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantLR) Name() string {
	return "ConstantLR"
}

// StepLR multiplies the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	StepSize int
	Gamma    float64
}

// NewStepLR creates a step scheduler.
func NewStepLR(stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLR{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLR) LearningRate(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLR) Name() string {
	return "StepLR"
}

// CosineAnnealingLR anneals the learning rate from baseLR to EtaMin along a
// half cosine over TMax epochs.
type CosineAnnealingLR struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLR creates a cosine annealing scheduler.
func NewCosineAnnealingLR(tMax int, etaMin float64) *CosineAnnealingLR {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLR{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLR) LearningRate(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLR) Name() string {
	return "CosineAnnealingLR"
}

// PolyLR decays the learning rate polynomially to zero over MaxEpochs. This
// is the schedule most segmentation baselines train with.
type PolyLR struct {
	MaxEpochs int
	Power     float64
}

// NewPolyLR creates a polynomial decay scheduler.
func NewPolyLR(maxEpochs int, power float64) *PolyLR {
	if maxEpochs <= 0 {
		maxEpochs = 100
	}
	if power <= 0 {
		power = 0.9
	}
	return &PolyLR{MaxEpochs: maxEpochs, Power: power}
}

func (s *PolyLR) LearningRate(epoch int, baseLR float64) float64 {
	if epoch >= s.MaxEpochs {
		return 0
	}
	frac := 1.0 - float64(epoch)/float64(s.MaxEpochs)
	return baseLR * math.Pow(frac, s.Power)
}

func (s *PolyLR) Name() string {
	return "PolyLR"
}
