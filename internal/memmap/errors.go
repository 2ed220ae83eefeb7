package memmap

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrMapOverflow indicates an exclusion needed to append a split
	// remainder to a map whose entry table is already full. This is a
	// configuration fault: the affected VM cannot be created.
	ErrMapOverflow = fmt.Errorf("memory map entry table overflow: %w", errdefs.ErrInvalidArgument)

	// ErrExclusionTooFragmented indicates a single exclusion range would
	// split more than one RAM entry. A well-formed platform map has
	// disjoint entries, so this only happens on malformed input; it is
	// rejected outright rather than guessed at.
	ErrExclusionTooFragmented = fmt.Errorf("exclusion range splits multiple RAM entries: %w", errdefs.ErrInvalidArgument)

	// ErrPlatformMapNotSet indicates the boot sequence has not captured
	// the platform memory map yet.
	ErrPlatformMapNotSet = errors.New("platform memory map not captured")

	// ErrEmptyMap indicates a map with no entries where at least one was
	// required.
	ErrEmptyMap = fmt.Errorf("memory map has no entries: %w", errdefs.ErrInvalidArgument)
)
