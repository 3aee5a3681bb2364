// Package sentiment classifies chat messages into the coarse signals
// the trigger engine and context managers consume. The default
// classifier is a deterministic keyword matcher; a model-backed
// classifier can be swapped in without touching orchestration.
package sentiment

import (
	"context"
	"strings"
	"time"
)

// Label is a coarse mood bucket attached to user contexts.
type Label string

const (
	LabelPositive   Label = "positive"
	LabelNeutral    Label = "neutral"
	LabelNegative   Label = "negative"
	LabelFrustrated Label = "frustrated"
)

// Signals is the classifier output consumed by the rest of the
// pipeline. Question and Confused feed the trigger rules; Label and
// Confidence feed the user context mood history.
type Signals struct {
	Label      Label
	Confidence float64
	Confused   bool
	Question   bool
}

// Classifier turns a raw message into Signals. Implementations must be
// safe for concurrent use and must never fail: ambiguous input gets a
// neutral result, not an error.
type Classifier interface {
	Classify(ctx context.Context, message string) Signals
}

var positiveWords = []string{
	"thanks", "thank you", "great", "awesome", "good", "yes", "understand",
	"got it", "perfect", "excellent", "amazing", "love", "helpful", "clear",
}

var negativeWords = []string{
	"confused", "don't understand", "what", "huh", "lost", "unclear",
	"difficult", "hard", "frustrated", "no", "can't", "wrong", "stuck",
}

var confusionMarkers = []string{
	"don't understand", "confused", "lost", "what do you mean",
	"i don't get", "unclear", "can you explain", "help",
}

var questionLeads = []string{"what", "how", "why", "when", "where", "who"}

// Keyword is the default zero-dependency classifier.
type Keyword struct{}

// NewKeyword returns the keyword classifier.
func NewKeyword() *Keyword { return &Keyword{} }

func (k *Keyword) Classify(_ context.Context, message string) Signals {
	lower := strings.ToLower(message)

	var pos, neg int
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			pos++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			neg++
		}
	}

	sig := Signals{
		Label:      LabelNeutral,
		Confidence: 0.5,
		Confused:   isConfused(lower),
		Question:   IsQuestion(message),
	}

	switch {
	case neg > pos:
		if neg >= 2 || strings.Contains(lower, "confused") || strings.Contains(lower, "don't understand") {
			sig.Label = LabelFrustrated
			sig.Confidence = 0.7
		} else {
			sig.Label = LabelNegative
			sig.Confidence = 0.6
		}
	case pos > neg:
		sig.Label = LabelPositive
		sig.Confidence = 0.7
	}

	return sig
}

func isConfused(lower string) bool {
	for _, phrase := range confusionMarkers {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// IsQuestion reports whether a message reads as interrogative: it
// contains a question mark or opens with a question-lead word.
func IsQuestion(message string) bool {
	if strings.Contains(message, "?") {
		return true
	}
	fields := strings.Fields(strings.ToLower(message))
	if len(fields) == 0 {
		return false
	}
	lead := strings.Trim(fields[0], ".,!")
	for _, w := range questionLeads {
		if lead == w {
			return true
		}
	}
	return false
}

// Level buckets a user's engagement from participation metrics.
type Level string

const (
	LevelInactive Level = "inactive"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
)

// EngagementLevel derives the qualitative bucket from lifetime message
// count and current silence.
func EngagementLevel(messageCount int, silence time.Duration) Level {
	switch {
	case silence > 5*time.Minute:
		return LevelInactive
	case silence > 2*time.Minute:
		return LevelLow
	case messageCount > 10:
		return LevelHigh
	case messageCount > 3:
		return LevelMedium
	default:
		return LevelLow
	}
}
