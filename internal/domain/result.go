package domain

// Diagnostic texts returned alongside a missing profile
const (
	MsgNameNotFound = "Name not found for uuid!"
	MsgUUIDNotFound = "No UUID found for name."
	MsgUnavailable  = "Identity lookup is temporarily unavailable, try again."
)

// ResultKind tags the outcome of a resolution
type ResultKind int

const (
	KindFound ResultKind = iota
	KindNotFound
	KindTransient
)

func (k ResultKind) String() string {
	switch k {
	case KindFound:
		return "found"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ResolutionResult carries either a profile and an empty message, or no
// profile and a human-readable reason.
type ResolutionResult struct {
	Profile *PlayerProfile
	Message string
	Kind    ResultKind
	// Err holds the underlying cause for KindNotFound and KindTransient
	Err error
}

// Found wraps a resolved profile
func Found(p *PlayerProfile) ResolutionResult {
	return ResolutionResult{Profile: p, Kind: KindFound}
}

// NotFound is a definitive miss
func NotFound(message string, err error) ResolutionResult {
	return ResolutionResult{Message: message, Kind: KindNotFound, Err: err}
}

// Unavailable is a retryable failure; err should satisfy IsTransient
func Unavailable(err error) ResolutionResult {
	return ResolutionResult{Message: MsgUnavailable, Kind: KindTransient, Err: err}
}

// OK reports whether a profile was resolved
func (r ResolutionResult) OK() bool {
	return r.Profile != nil
}

// Retryable reports whether asking again may give a different answer
func (r ResolutionResult) Retryable() bool {
	return r.Kind == KindTransient
}
