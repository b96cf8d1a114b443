package internal

import (
	"context"
	"sync"

	"github.com/OpenBMB/RLPR/common/data"
)

// DataLoader produces the prompt batches consumed by training steps.
type DataLoader interface {
	// NextBatch returns the next prompt batch. It may block until a batch is available
	// or the context is cancelled.
	NextBatch(ctx context.Context) (*data.Batch, error)
}

// SyntheticDataLoader fabricates deterministic prompt batches. It backs simulation mode and
// the test suites: prompt tokens encode the batch ordinal and sample position, so any
// reordering or loss downstream is observable.
type SyntheticDataLoader struct {
	mu sync.Mutex

	batchSize    int
	promptLength int
	numProduced  int
}

func NewSyntheticDataLoader(batchSize int, promptLength int) *SyntheticDataLoader {
	if promptLength <= 0 {
		promptLength = 4
	}

	return &SyntheticDataLoader{
		batchSize:    batchSize,
		promptLength: promptLength,
	}
}

func (l *SyntheticDataLoader) NextBatch(ctx context.Context) (*data.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	ordinal := l.numProduced
	l.numProduced++
	l.mu.Unlock()

	batch := data.NewBatch()
	for i := 0; i < l.batchSize; i++ {
		prompt := make([]int32, l.promptLength)
		for j := range prompt {
			prompt[j] = int32(ordinal*l.batchSize + i)
		}
		batch.Append(data.NewSample(prompt))
	}

	return batch, nil
}

// NumProduced returns how many batches the loader has handed out.
func (l *SyntheticDataLoader) NumProduced() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.numProduced
}
