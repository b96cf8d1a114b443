package data

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sample is one prompt/response record flowing through the training loop. Fields are filled
// in progressively as the sample moves through generation, scoring, and advantage estimation;
// a freshly-loaded prompt batch carries only ID and PromptTokens.
type Sample struct {
	// ID uniquely identifies the sample across every split/merge/reshard it passes through.
	ID string `json:"id"`

	// PromptTokens are the token ids of the prompt, as produced by the data-loading collaborator.
	PromptTokens []int32 `json:"prompt_tokens"`

	// ResponseTokens are the token ids generated by the rollout engine.
	ResponseTokens []int32 `json:"response_tokens,omitempty"`

	// LogProbs are the rollout policy's per-token log-probabilities of ResponseTokens.
	LogProbs []float32 `json:"log_probs,omitempty"`

	// RefLogProbs are the reference policy's per-token log-probabilities of ResponseTokens.
	// Only populated when KL regularization is configured.
	RefLogProbs []float32 `json:"ref_log_probs,omitempty"`

	// Values are the critic's per-token value estimates.
	Values []float32 `json:"values,omitempty"`

	// ResponseMask marks which response positions participate in the loss (1) versus
	// padding or truncated positions (0).
	ResponseMask []int32 `json:"response_mask,omitempty"`

	// Reward is the per-sample scalar produced by the reward model.
	Reward float64 `json:"reward"`

	// Advantage weights the policy-update gradient for this sample.
	Advantage float64 `json:"advantage"`

	// Return is the estimated discounted return paired with Advantage.
	Return float64 `json:"return"`

	// Metadata carries collaborator-defined values that must travel with the sample.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewSample creates a Sample for the given prompt with a freshly-generated ID.
func NewSample(promptTokens []int32) *Sample {
	return &Sample{
		ID:           uuid.NewString(),
		PromptTokens: promptTokens,
	}
}

// Clone returns a deep copy of the sample.
func (s *Sample) Clone() *Sample {
	clone := &Sample{
		ID:        s.ID,
		Reward:    s.Reward,
		Advantage: s.Advantage,
		Return:    s.Return,
	}

	clone.PromptTokens = append([]int32(nil), s.PromptTokens...)
	clone.ResponseTokens = append([]int32(nil), s.ResponseTokens...)
	clone.LogProbs = append([]float32(nil), s.LogProbs...)
	clone.RefLogProbs = append([]float32(nil), s.RefLogProbs...)
	clone.Values = append([]float32(nil), s.Values...)
	clone.ResponseMask = append([]int32(nil), s.ResponseMask...)

	if s.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(s.Metadata))
		for key, value := range s.Metadata {
			clone.Metadata[key] = value
		}
	}

	return clone
}

// Equals compares two samples field by field. Metadata is compared by key set only, as the
// values may be arbitrary collaborator-defined types.
func (s *Sample) Equals(other *Sample) bool {
	if s == nil || other == nil {
		return s == other
	}

	if s.ID != other.ID || s.Reward != other.Reward || s.Advantage != other.Advantage || s.Return != other.Return {
		return false
	}

	if !int32SlicesEqual(s.PromptTokens, other.PromptTokens) ||
		!int32SlicesEqual(s.ResponseTokens, other.ResponseTokens) ||
		!int32SlicesEqual(s.ResponseMask, other.ResponseMask) {
		return false
	}

	if !float32SlicesEqual(s.LogProbs, other.LogProbs) ||
		!float32SlicesEqual(s.RefLogProbs, other.RefLogProbs) ||
		!float32SlicesEqual(s.Values, other.Values) {
		return false
	}

	if len(s.Metadata) != len(other.Metadata) {
		return false
	}
	for key := range s.Metadata {
		if _, ok := other.Metadata[key]; !ok {
			return false
		}
	}

	return true
}

func int32SlicesEqual(a []int32, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func float32SlicesEqual(a []float32, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Batch is an ordered sequence of samples plus batch-level metadata. Sample order is stable
// across every transformation the resharding layer performs; no operation in this package
// silently reorders, duplicates, or drops samples.
type Batch struct {
	samples []*Sample

	// Meta carries batch-level values shared by every sample (e.g., sampling options).
	Meta map[string]interface{}
}

// NewBatch constructs a Batch over the given samples. The batch takes ownership of the slice.
func NewBatch(samples ...*Sample) *Batch {
	return &Batch{samples: samples}
}

// NewPromptBatch constructs a Batch of fresh samples, one per prompt.
func NewPromptBatch(prompts ...[]int32) *Batch {
	samples := make([]*Sample, 0, len(prompts))
	for _, prompt := range prompts {
		samples = append(samples, NewSample(prompt))
	}
	return NewBatch(samples...)
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.samples)
}

// At returns the sample at index i.
func (b *Batch) At(i int) *Sample {
	return b.samples[i]
}

// Samples returns the underlying sample slice. Callers must not reorder it.
func (b *Batch) Samples() []*Sample {
	return b.samples
}

// Append adds samples to the end of the batch.
func (b *Batch) Append(samples ...*Sample) {
	b.samples = append(b.samples, samples...)
}

// Slice returns a batch over samples [lo, hi). The samples are shared, not copied.
func (b *Batch) Slice(lo int, hi int) *Batch {
	return &Batch{samples: b.samples[lo:hi], Meta: b.Meta}
}

// Select returns a batch containing the samples at the given indices, in the given order.
// The samples are shared, not copied.
func (b *Batch) Select(indices []int) *Batch {
	selected := make([]*Sample, 0, len(indices))
	for _, idx := range indices {
		selected = append(selected, b.samples[idx])
	}
	return &Batch{samples: selected, Meta: b.Meta}
}

// SampleIDs returns the sample ids in batch order.
func (b *Batch) SampleIDs() []string {
	ids := make([]string, 0, b.Len())
	for _, sample := range b.samples {
		ids = append(ids, sample.ID)
	}
	return ids
}

// Clone returns a deep copy of the batch (samples included).
func (b *Batch) Clone() *Batch {
	samples := make([]*Sample, 0, b.Len())
	for _, sample := range b.samples {
		samples = append(samples, sample.Clone())
	}

	clone := NewBatch(samples...)
	if b.Meta != nil {
		clone.Meta = make(map[string]interface{}, len(b.Meta))
		for key, value := range b.Meta {
			clone.Meta[key] = value
		}
	}

	return clone
}

// Equals returns true if both batches contain equal samples in the same order.
func (b *Batch) Equals(other *Batch) bool {
	if b.Len() != other.Len() {
		return false
	}
	for i := range b.samples {
		if !b.samples[i].Equals(other.samples[i]) {
			return false
		}
	}
	return true
}

// Concat concatenates the given batches into a single batch, in argument order.
// Batch-level metadata is taken from the first non-nil batch.
func Concat(batches ...*Batch) *Batch {
	total := 0
	for _, batch := range batches {
		total += batch.Len()
	}

	merged := &Batch{samples: make([]*Sample, 0, total)}
	for _, batch := range batches {
		if batch == nil {
			continue
		}
		if merged.Meta == nil {
			merged.Meta = batch.Meta
		}
		merged.samples = append(merged.samples, batch.samples...)
	}

	return merged
}

func (b *Batch) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Batch[NumSamples=%d", b.Len()))
	if b.Len() > 0 {
		sb.WriteString(fmt.Sprintf(",First=%s", b.samples[0].ID))
	}
	sb.WriteString("]")
	return sb.String()
}
