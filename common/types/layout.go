package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidLayout = errors.New("invalid parallelism layout")
)

// ParallelismLayout describes how a worker group partitions its model state and its batches:
// DataParallel independent replicas each process a disjoint shard of the batch;
// ModelParallel workers jointly hold one replica's tensors; PipelineParallel workers hold
// sequential stages of one replica.
//
// The layout is immutable once a worker group has been constructed with it.
type ParallelismLayout struct {
	DataParallel     int `json:"data_parallel"     yaml:"data_parallel"`
	ModelParallel    int `json:"model_parallel"    yaml:"model_parallel"`
	PipelineParallel int `json:"pipeline_parallel" yaml:"pipeline_parallel"`
}

// NewParallelismLayout returns a ParallelismLayout with the given degrees.
func NewParallelismLayout(dataParallel int, modelParallel int, pipelineParallel int) ParallelismLayout {
	return ParallelismLayout{
		DataParallel:     dataParallel,
		ModelParallel:    modelParallel,
		PipelineParallel: pipelineParallel,
	}
}

// WorldSize returns the total number of workers the layout requires (D * M * P).
func (l ParallelismLayout) WorldSize() int {
	return l.DataParallel * l.ModelParallel * l.PipelineParallel
}

// Validate returns ErrInvalidLayout (wrapped, with the offending degree) if any degree is < 1.
func (l ParallelismLayout) Validate() error {
	if l.DataParallel < 1 {
		return fmt.Errorf("%w: data-parallel degree must be >= 1 (got %d)", ErrInvalidLayout, l.DataParallel)
	}

	if l.ModelParallel < 1 {
		return fmt.Errorf("%w: model-parallel degree must be >= 1 (got %d)", ErrInvalidLayout, l.ModelParallel)
	}

	if l.PipelineParallel < 1 {
		return fmt.Errorf("%w: pipeline-parallel degree must be >= 1 (got %d)", ErrInvalidLayout, l.PipelineParallel)
	}

	return nil
}

// Equals returns true if both layouts have identical degrees.
func (l ParallelismLayout) Equals(other ParallelismLayout) bool {
	return l.DataParallel == other.DataParallel &&
		l.ModelParallel == other.ModelParallel &&
		l.PipelineParallel == other.PipelineParallel
}

func (l ParallelismLayout) String() string {
	return fmt.Sprintf("Layout[D=%d,M=%d,P=%d]", l.DataParallel, l.ModelParallel, l.PipelineParallel)
}
