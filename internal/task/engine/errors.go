package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped         = errors.New("conversion engine stopped")
	ErrStopping        = errors.New("conversion engine stopping")
	ErrQueueFull       = errors.New("conversion queue full")
	ErrEmptyFile       = errors.New("file is empty")
	ErrInvalidFilename = errors.New("filename is required")
)

// TooLargeError reports an upload that crossed the size ceiling while it
// was being spooled.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("file exceeds maximum size of %d bytes (%d MB)", e.Limit, e.Limit>>20)
}
