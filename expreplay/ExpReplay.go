// Package expreplay implements an experience replay buffer from which
// batches of recorded transitions are sampled uniformly at random.
package expreplay

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gosac/timestep"
)

var (
	errEmptyBuffer         = errors.New("buffer is empty")
	errInsufficientSamples = errors.New("buffer has insufficient " +
		"samples")
)

// ExpReplayError describes an error that occurred during an operation
// on an experience replay buffer
type ExpReplayError struct {
	Op  string
	Err error
}

func (e *ExpReplayError) Error() string {
	return "expreplay: " + e.Op + ": " + e.Err.Error()
}

// IsEmptyBuffer returns whether the argument error was caused by
// sampling from an empty buffer
func IsEmptyBuffer(err error) bool {
	var e *ExpReplayError
	if errors.As(err, &e) {
		return errors.Is(e.Err, errEmptyBuffer)
	}
	return false
}

// IsInsufficientSamples returns whether the argument error was caused
// by sampling from a buffer holding fewer samples than its minimum
// capacity
func IsInsufficientSamples(err error) bool {
	var e *ExpReplayError
	if errors.As(err, &e) {
		return errors.Is(e.Err, errInsufficientSamples)
	}
	return false
}

// Buffer implements a fixed-capacity experience replay buffer.
// Transitions are stored in insertion order, the oldest transition is
// overwritten once the buffer is full, and Sample draws batches of
// transitions uniformly at random with replacement.
type Buffer struct {
	obsCache     []float64
	actionCache  []float64
	rewardCache  []float64
	nextObsCache []float64
	doneCache    []float64

	featureSize int
	actionSize  int

	minCapacity int
	maxCapacity int
	batchSize   int

	insert int // Index at which the next transition is stored
	size   int

	rng *rand.Rand
}

// New creates and returns a new experience replay buffer storing at
// most maxCapacity transitions of featureSize-dimensional
// observations and actionSize-dimensional actions. Sampling returns
// batches of batchSize transitions and is allowed only once the
// buffer holds at least minCapacity transitions.
//
// Pixel observations should be flattened before adding to the buffer.
func New(minCapacity, maxCapacity, batchSize, featureSize,
	actionSize int, seed uint64) (*Buffer, error) {
	if minCapacity <= 0 {
		return nil, fmt.Errorf("new: minCapacity must be > 0")
	}
	if maxCapacity < minCapacity {
		return nil, fmt.Errorf("new: cannot have minCapacity(%v) > max "+
			"buffer capacity (%v)", minCapacity, maxCapacity)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("new: batch size must be > 0")
	}

	return &Buffer{
		obsCache:     make([]float64, maxCapacity*featureSize),
		actionCache:  make([]float64, maxCapacity*actionSize),
		rewardCache:  make([]float64, maxCapacity),
		nextObsCache: make([]float64, maxCapacity*featureSize),
		doneCache:    make([]float64, maxCapacity),

		featureSize: featureSize,
		actionSize:  actionSize,

		minCapacity: minCapacity,
		maxCapacity: maxCapacity,
		batchSize:   batchSize,

		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// Add adds the transition from prev to next under the argument action
// to the buffer, overwriting the oldest stored transition when the
// buffer is full. The next timestep holds the reward of the
// transition, and the transition is terminal if next is the last
// timestep of its episode.
func (b *Buffer) Add(prev timestep.TimeStep, action mat.Vector,
	next timestep.TimeStep) error {
	if prev.Observation.Len() != b.featureSize ||
		next.Observation.Len() != b.featureSize {
		return fmt.Errorf("add: invalid feature size \n\twant(%v) "+
			"\n\thave(%v)", b.featureSize, prev.Observation.Len())
	}
	if action.Len() != b.actionSize {
		return fmt.Errorf("add: invalid action size \n\twant(%v) "+
			"\n\thave(%v)", b.actionSize, action.Len())
	}

	index := b.insert
	obsInd := index * b.featureSize
	for i := 0; i < b.featureSize; i++ {
		b.obsCache[obsInd+i] = prev.Observation.AtVec(i)
		b.nextObsCache[obsInd+i] = next.Observation.AtVec(i)
	}
	actionInd := index * b.actionSize
	for i := 0; i < b.actionSize; i++ {
		b.actionCache[actionInd+i] = action.AtVec(i)
	}
	b.rewardCache[index] = next.Reward
	if next.Last() {
		b.doneCache[index] = 1.0
	} else {
		b.doneCache[index] = 0.0
	}

	b.insert = (b.insert + 1) % b.maxCapacity
	if b.size < b.maxCapacity {
		b.size++
	}
	return nil
}

// Sample samples and returns a batch of transitions from the replay
// buffer
func (b *Buffer) Sample() (timestep.Batch, error) {
	if b.size == 0 {
		return timestep.Batch{}, &ExpReplayError{
			Op:  "sample",
			Err: errEmptyBuffer,
		}
	}
	if b.size < b.minCapacity {
		return timestep.Batch{}, &ExpReplayError{
			Op:  "sample",
			Err: errInsufficientSamples,
		}
	}

	obs := make([]float64, b.batchSize*b.featureSize)
	actions := make([]float64, b.batchSize*b.actionSize)
	rewards := make([]float64, b.batchSize)
	nextObs := make([]float64, b.batchSize*b.featureSize)
	dones := make([]float64, b.batchSize)

	for i := 0; i < b.batchSize; i++ {
		index := b.rng.Intn(b.size)

		batchObsInd := i * b.featureSize
		obsInd := index * b.featureSize
		copy(obs[batchObsInd:batchObsInd+b.featureSize],
			b.obsCache[obsInd:obsInd+b.featureSize])
		copy(nextObs[batchObsInd:batchObsInd+b.featureSize],
			b.nextObsCache[obsInd:obsInd+b.featureSize])

		batchActionInd := i * b.actionSize
		actionInd := index * b.actionSize
		copy(actions[batchActionInd:batchActionInd+b.actionSize],
			b.actionCache[actionInd:actionInd+b.actionSize])

		rewards[i] = b.rewardCache[index]
		dones[i] = b.doneCache[index]
	}

	return timestep.NewBatch(b.featureSize, b.actionSize, obs, actions,
		rewards, nextObs, dones)
}

// Capacity returns the current number of transitions in the buffer
func (b *Buffer) Capacity() int {
	return b.size
}

// MaxCapacity returns the maximum number of transitions that are
// allowed in the buffer
func (b *Buffer) MaxCapacity() int {
	return b.maxCapacity
}

// MinCapacity returns the minimum number of transitions required in
// the buffer before sampling is allowed
func (b *Buffer) MinCapacity() int {
	return b.minCapacity
}

// BatchSize returns the number of transitions returned by Sample()
func (b *Buffer) BatchSize() int {
	return b.batchSize
}
