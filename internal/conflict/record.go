package conflict

import (
	"fmt"
	"time"
)

// Kind classifies a detected conflict.
type Kind string

const (
	ConcurrentEdit     Kind = "concurrent-edit"
	DeleteModified     Kind = "delete-modified"
	CircularDependency Kind = "circular-dependency"
	PermissionDenied   Kind = "permission-denied"
)

// Resolution is the decision taken for the update under evaluation.
type Resolution string

const (
	Accept    Resolution = "accept"
	Reject    Resolution = "reject"
	Merge     Resolution = "merge"
	Transform Resolution = "transform"
	// Pending marks a conflict awaiting a manual decision.
	Pending Resolution = "pending"
)

// ParseResolution parses a final (non-pending) resolution.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case Accept, Reject, Merge, Transform:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResolution, s)
}

// Record is one entry of the append-only conflict audit log.
type Record struct {
	UpdateID           string     `json:"updateId"`
	ConflictingID      string     `json:"conflictingId,omitempty"`
	Kind               Kind       `json:"kind"`
	Resolution         Resolution `json:"resolution"`
	Reason             string     `json:"reason"`
	TransformedPayload []byte     `json:"transformedPayload,omitempty"`
	DetectedAt         time.Time  `json:"detectedAt"`
}

// Mode selects automatic or manual resolution.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// ParseMode parses a conflict mode, defaulting "" to auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	}
	return "", fmt.Errorf("unknown conflict mode %q", s)
}
