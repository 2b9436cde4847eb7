package api

import "fmt"

// DescriptorVersion is the schema version written into every TaskDescriptor.
const DescriptorVersion = 1

// TaskDescriptor is the by-value, serializable form of a Signature. It is
// what chain continuations and chord callbacks carry across processes.
type TaskDescriptor struct {
	Version  int     `json:"version"`
	TaskName string  `json:"task_name"`
	Kwargs   Kwargs  `json:"kwargs,omitempty"`
	Options  Options `json:"options"`
}

// Validate checks that d was written by a compatible schema and names a task.
func (d TaskDescriptor) Validate() error {
	switch {
	case d.Version == 0:
		return fmt.Errorf("%w: descriptor without version", ErrMalformedMetadata)
	case d.Version > DescriptorVersion:
		return fmt.Errorf("%w: got %d, support up to %d", ErrUnsupportedDescriptorVersion, d.Version, DescriptorVersion)
	case d.TaskName == "":
		return fmt.Errorf("%w: descriptor without task name", ErrMalformedMetadata)
	}
	return nil
}

// ChainContinuation is the remainder of a chain, embedded in the kwargs of
// the job currently running.
type ChainContinuation struct {
	ChainID   string
	Remaining []TaskDescriptor
}

// Attach returns a copy of kw carrying the continuation.
func (c ChainContinuation) Attach(kw Kwargs) Kwargs {
	out := kw.Clone()
	remaining := c.Remaining
	if remaining == nil {
		remaining = []TaskDescriptor{}
	}
	out[ChainIDKey] = c.ChainID
	out[ChainNextKey] = remaining
	return out
}

// ChordMembership marks a job as a header member of a chord.
type ChordMembership struct {
	ChordID    string
	HeaderSize int
	Callback   TaskDescriptor
}

// Attach returns a copy of kw carrying the membership.
func (m ChordMembership) Attach(kw Kwargs) Kwargs {
	out := kw.Clone()
	out[ChordIDKey] = m.ChordID
	out[ChordSizeKey] = m.HeaderSize
	out[ChordCallbackKey] = m.Callback
	return out
}

// DecodeChain extracts chain continuation metadata from kw.
//
// It returns nil, nil when kw carries no chain keys at all, and
// ErrMalformedMetadata when only some of them are present or a value has the
// wrong shape.
func DecodeChain(kw Kwargs) (*ChainContinuation, error) {
	rawID, hasID := kw[ChainIDKey]
	rawNext, hasNext := kw[ChainNextKey]
	if !hasID && !hasNext {
		return nil, nil
	}
	if !hasID || !hasNext {
		return nil, fmt.Errorf("%w: incomplete chain metadata", ErrMalformedMetadata)
	}

	chainID, err := convert[string](rawID)
	if err != nil || chainID == "" {
		return nil, fmt.Errorf("%w: chain id %v", ErrMalformedMetadata, rawID)
	}

	var remaining []TaskDescriptor
	if rawNext != nil {
		remaining, err = convert[[]TaskDescriptor](rawNext)
		if err != nil {
			return nil, fmt.Errorf("%w: chain continuation: %v", ErrMalformedMetadata, err)
		}
	}

	return &ChainContinuation{ChainID: chainID, Remaining: remaining}, nil
}

// DecodeChord extracts chord membership metadata from kw, with the same
// absent/partial semantics as DecodeChain.
func DecodeChord(kw Kwargs) (*ChordMembership, error) {
	rawID, hasID := kw[ChordIDKey]
	rawSize, hasSize := kw[ChordSizeKey]
	rawCallback, hasCallback := kw[ChordCallbackKey]
	if !hasID && !hasSize && !hasCallback {
		return nil, nil
	}
	if !hasID || !hasSize || !hasCallback {
		return nil, fmt.Errorf("%w: incomplete chord metadata", ErrMalformedMetadata)
	}

	chordID, err := convert[string](rawID)
	if err != nil || chordID == "" {
		return nil, fmt.Errorf("%w: chord id %v", ErrMalformedMetadata, rawID)
	}
	size, err := convert[int](rawSize)
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("%w: chord size %v", ErrMalformedMetadata, rawSize)
	}
	callback, err := convert[TaskDescriptor](rawCallback)
	if err != nil {
		return nil, fmt.Errorf("%w: chord callback: %v", ErrMalformedMetadata, err)
	}

	return &ChordMembership{ChordID: chordID, HeaderSize: size, Callback: callback}, nil
}
