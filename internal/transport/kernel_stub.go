//go:build !linux

package transport

import (
	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/extension"
)

// Kernel is unavailable off linux; every call returns ErrUnsupported.
type Kernel struct{}

func NewKernel(family extension.Family, opts ...Option) *Kernel { return &Kernel{} }

func (k *Kernel) Fetch(table string) ([]byte, error)     { return nil, ErrUnsupported }
func (k *Kernel) Replace(table string, blob []byte) error { return ErrUnsupported }

func (k *Kernel) AddCounters(string, []abi.Counters) error { return ErrUnsupported }

func (k *Kernel) Supports(string, extension.Kind, extension.Family, uint8) (bool, error) {
	return false, ErrUnsupported
}
