// pkg/core/limits.go
package core

import "github.com/c2h5oh/datasize"

// Limits bound user-supplied inputs. Violations surface as
// ConstraintViolation (sizes) or InvalidKey (key length) errors.
type Limits struct {
	// MaxKeyBytes bounds user key length.
	MaxKeyBytes int
	// MaxValueBytes bounds a single serialized value.
	MaxValueBytes int
	// MaxVectorDimension bounds embedding width.
	MaxVectorDimension int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxKeyBytes:        1024,
		MaxValueBytes:      int(16 * datasize.MB),
		MaxVectorDimension: 4096,
	}
}

// CheckValueSize validates a serialized value length.
func (l Limits) CheckValueSize(n int) error {
	if n > l.MaxValueBytes {
		return Errorf(CodeConstraintViolation,
			"value too large: %s exceeds maximum %s",
			datasize.ByteSize(n).HumanReadable(),
			datasize.ByteSize(l.MaxValueBytes).HumanReadable())
	}
	return nil
}

// CheckDimension validates a vector dimension.
func (l Limits) CheckDimension(dim int) error {
	if dim <= 0 || dim > l.MaxVectorDimension {
		return Errorf(CodeConstraintViolation,
			"vector dimension %d outside allowed range [1, %d]", dim, l.MaxVectorDimension)
	}
	return nil
}
