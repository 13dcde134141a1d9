// Package validation enforces request limits before an operation touches
// the log. Keys and values are arbitrary byte strings; the only
// constraints are non-emptiness of keys and the configured size caps.
package validation

import (
	"github.com/loamdb/loam/internal/errors"
)

const (
	// Default size limits
	MaxKeySize   = 1024             // 1 KB
	MaxValueSize = 10 * 1024 * 1024 // 10 MB
)

// Validator validates engine operations against configured limits
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateWrite validates a put operation
func (v *Validator) ValidateWrite(key, value []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateValue(value)
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key []byte) error {
	if len(key) == 0 {
		return errors.InvalidKey("", "key cannot be empty")
	}
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	return nil
}

// ValidateValue validates a value. Nil and empty values are legal.
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}
	return nil
}

// ValidateRange validates scan bounds. An empty end means unbounded; a
// non-empty end must sort after start or the range is empty by
// construction and rejected.
func (v *Validator) ValidateRange(start, end []byte) error {
	if len(start) > v.maxKeySize {
		return errors.KeyTooLarge(len(start), v.maxKeySize)
	}
	if len(end) > v.maxKeySize {
		return errors.KeyTooLarge(len(end), v.maxKeySize)
	}
	if len(end) > 0 && string(end) <= string(start) {
		return errors.InvalidArgument("range end must sort after range start", nil)
	}
	return nil
}

// EstimateWriteSize estimates the disk footprint of a put so the disk
// manager can check available space before any bytes are written. Covers
// the log entry, the record pages, and rounding slack.
func EstimateWriteSize(key, value []byte, pageSize uint32) uint64 {
	logSize := uint64(len(key) + len(value) + 64)
	recordSize := uint64(len(key) + len(value) + 64)

	// Page allocation rounds up to a power-of-two page count.
	pages := (recordSize + uint64(pageSize) - 1) / uint64(pageSize)
	rounded := uint64(1)
	for rounded < pages {
		rounded *= 2
	}
	return logSize + rounded*uint64(pageSize)
}
