package interfaces

// Classifier decides whether user supplied text is disallowed.
type Classifier interface {
	// Classify returns true when text matches a moderation filter.
	Classify(text string) bool
}

// AllowAll is a Classifier that never flags anything.
type AllowAll struct{}

// Classify always returns false.
func (AllowAll) Classify(string) bool { return false }
