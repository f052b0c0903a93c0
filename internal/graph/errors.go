package graph

import (
	"errors"

	"github.com/born-ml/wgt/internal/device"
	"github.com/born-ml/wgt/internal/tensor"
)

// Common errors.
var (
	// ErrNotReadable is returned by Read on a node that was never marked
	// readable.
	ErrNotReadable = errors.New("graph: tensor not marked readable")

	// ErrDestroyed is returned when a destroyed node or graph is used.
	ErrDestroyed = errors.New("graph: use after destroy")

	// ErrInputCount is returned by Run when the number of tensors does not
	// match the declared inputs.
	ErrInputCount = errors.New("graph: wrong number of inputs")

	// ErrBindingCount is returned when an op is built with a number of
	// inputs or outputs its kernel does not declare.
	ErrBindingCount = errors.New("graph: binding count mismatch")

	// ErrHasProducer is returned when an op output already has a producer.
	ErrHasProducer = errors.New("graph: output already has a producing op")

	// ErrShapeMismatch aliases tensor.ErrShapeMismatch.
	ErrShapeMismatch = tensor.ErrShapeMismatch

	// ErrDeviceLost aliases device.ErrDeviceLost.
	ErrDeviceLost = device.ErrDeviceLost
)
