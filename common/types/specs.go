package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Spec quantifies the compute capacity of a node or the capacity consumed by a worker.
type Spec interface {
	// Accelerators returns the number of accelerator units. The return type is float64 for
	// convenient comparison against other quantities, but it should be an integral value.
	Accelerators() float64

	// CPU returns the number of vCPUs in milliCPUs, where 1000 mCPU = 1 vCPU, which may be fractional.
	CPU() float64

	// MemoryMB returns the amount of memory in MB.
	MemoryMB() float64

	// Validate checks that "this" Spec could "satisfy" the parameterized Spec.
	//
	// To "satisfy" a Spec means that all the resource values of "this" Spec are at least as
	// large as those of the parameterized Spec (the Spec being satisfied).
	Validate(Spec) bool

	// String returns a string representation of the Spec.
	String() string
}

// DecimalSpec is a Spec whose quantities are stored as decimal.Decimal structs, so that the
// allocator's repeated add/subtract bookkeeping never accumulates floating-point drift.
type DecimalSpec struct {
	AcceleratorUnits decimal.Decimal `json:"accelerators" yaml:"accelerators"`
	Millicpus        decimal.Decimal `json:"millicpus"    yaml:"millicpus"`
	MemoryMb         decimal.Decimal `json:"memory_mb"    yaml:"memory_mb"`
}

// NewDecimalSpec constructs a *DecimalSpec from float64 quantities.
func NewDecimalSpec(accelerators float64, millicpus float64, memoryMb float64) *DecimalSpec {
	return &DecimalSpec{
		AcceleratorUnits: decimal.NewFromFloat(accelerators),
		Millicpus:        decimal.NewFromFloat(millicpus),
		MemoryMb:         decimal.NewFromFloat(memoryMb),
	}
}

// ZeroSpec returns a *DecimalSpec with all quantities equal to zero.
func ZeroSpec() *DecimalSpec {
	return &DecimalSpec{
		AcceleratorUnits: decimal.Zero.Copy(),
		Millicpus:        decimal.Zero.Copy(),
		MemoryMb:         decimal.Zero.Copy(),
	}
}

// Accelerators returns the number of accelerator units as a float64.
func (s *DecimalSpec) Accelerators() float64 {
	return s.AcceleratorUnits.InexactFloat64()
}

// CPU returns the number of vCPUs in milliCPUs, where 1000 mCPU = 1 vCPU.
func (s *DecimalSpec) CPU() float64 {
	return s.Millicpus.InexactFloat64()
}

// MemoryMB returns the amount of memory in MB.
func (s *DecimalSpec) MemoryMB() float64 {
	return s.MemoryMb.InexactFloat64()
}

// Add returns a new *DecimalSpec whose quantities are the element-wise sum of s and other.
func (s *DecimalSpec) Add(other *DecimalSpec) *DecimalSpec {
	return &DecimalSpec{
		AcceleratorUnits: s.AcceleratorUnits.Add(other.AcceleratorUnits),
		Millicpus:        s.Millicpus.Add(other.Millicpus),
		MemoryMb:         s.MemoryMb.Add(other.MemoryMb),
	}
}

// Subtract returns a new *DecimalSpec whose quantities are the element-wise difference of s and other.
func (s *DecimalSpec) Subtract(other *DecimalSpec) *DecimalSpec {
	return &DecimalSpec{
		AcceleratorUnits: s.AcceleratorUnits.Sub(other.AcceleratorUnits),
		Millicpus:        s.Millicpus.Sub(other.Millicpus),
		MemoryMb:         s.MemoryMb.Sub(other.MemoryMb),
	}
}

// Equals returns true if every quantity of s equals the corresponding quantity of other.
func (s *DecimalSpec) Equals(other *DecimalSpec) bool {
	return s.AcceleratorUnits.Equal(other.AcceleratorUnits) &&
		s.Millicpus.Equal(other.Millicpus) &&
		s.MemoryMb.Equal(other.MemoryMb)
}

// IsZero returns true if every quantity of s is zero.
func (s *DecimalSpec) IsZero() bool {
	return s.AcceleratorUnits.IsZero() && s.Millicpus.IsZero() && s.MemoryMb.IsZero()
}

// AnyNegative returns true if any quantity of s is negative. Negative quantities indicate a
// bookkeeping bug in whatever component performed the arithmetic.
func (s *DecimalSpec) AnyNegative() bool {
	return s.AcceleratorUnits.IsNegative() || s.Millicpus.IsNegative() || s.MemoryMb.IsNegative()
}

// Validate checks that "this" Spec could "satisfy" the parameterized Spec.
func (s *DecimalSpec) Validate(requirement Spec) bool {
	return s.Accelerators() >= requirement.Accelerators() &&
		s.CPU() >= requirement.CPU() &&
		s.MemoryMB() >= requirement.MemoryMB()
}

// Clone returns a deep copy of the target DecimalSpec.
func (s *DecimalSpec) Clone() *DecimalSpec {
	return &DecimalSpec{
		AcceleratorUnits: s.AcceleratorUnits.Copy(),
		Millicpus:        s.Millicpus.Copy(),
		MemoryMb:         s.MemoryMb.Copy(),
	}
}

func (s *DecimalSpec) String() string {
	return fmt.Sprintf("DecimalSpec[Accelerators: %s, Millicpus: %s, Memory: %s MB]",
		s.AcceleratorUnits.StringFixed(1), s.Millicpus.StringFixed(1), s.MemoryMb.StringFixed(1))
}
