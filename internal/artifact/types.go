// Package artifact defines the references stages exchange. A reference names
// where an output lives, what it is, and the content hash recorded when the
// stage produced it.
package artifact

import (
	"fmt"
	"strings"
)

// Kind captures the media/document type of an artifact.
type Kind string

const (
	KindScript   Kind = "script"
	KindAudio    Kind = "audio"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindTimeline Kind = "timeline"
	KindReport   Kind = "report"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

// Ref points at one produced output.
type Ref struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	URI  string `json:"uri" yaml:"uri"`
	Hash string `json:"hash" yaml:"hash"`
	Kind Kind   `json:"kind" yaml:"kind"`
}

// Validate ensures the reference is usable by downstream stages.
func (r Ref) Validate() error {
	if strings.TrimSpace(r.URI) == "" {
		return fmt.Errorf("artifact: uri is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("artifact: kind is required for %s", r.URI)
	}
	if !strings.HasPrefix(r.Hash, HashPrefix) {
		return fmt.Errorf("artifact: %s hash must start with %s", r.URI, HashPrefix)
	}
	return nil
}

// CloneRefs returns a copy of the slice.
func CloneRefs(refs []Ref) []Ref {
	if len(refs) == 0 {
		return nil
	}
	out := make([]Ref, len(refs))
	copy(out, refs)
	return out
}

// NormalizeKind maps free-form labels onto a known Kind.
func NormalizeKind(value string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindScript:
		return KindScript
	case KindAudio:
		return KindAudio
	case KindImage:
		return KindImage
	case KindVideo:
		return KindVideo
	case KindTimeline:
		return KindTimeline
	case KindReport:
		return KindReport
	case KindDocument, "":
		return KindDocument
	default:
		return KindOther
	}
}
