package exam

import "examengine/internal/question"

type ScoreResult struct {
	QuestionID       int64  `json:"question_id"`
	Answered         bool   `json:"answered"`
	IsCorrect        bool   `json:"is_correct"`
	EarnedMarks      int64  `json:"earned_marks"`
	Reason           string `json:"reason"`
	SelectedOptionID *int64 `json:"selected_option_id,omitempty"`
}

// ScoreQuestion grades one single-choice question. An option that does not
// belong to the question earns nothing.
func ScoreQuestion(q question.Question, answers Answers) ScoreResult {
	out := ScoreResult{QuestionID: q.ID}
	selected, ok := answers[q.ID]
	if !ok {
		out.Reason = "unanswered"
		return out
	}
	out.Answered = true
	out.SelectedOptionID = &selected

	opt, ok := q.Option(selected)
	if !ok {
		out.Reason = "unknown_option"
		return out
	}
	if !opt.IsCorrect {
		out.Reason = "wrong"
		return out
	}
	out.IsCorrect = true
	out.EarnedMarks = q.Marks
	out.Reason = "correct"
	return out
}

// Score sums the marks of correctly answered questions. It is pure and does
// not depend on question or answer order.
func Score(questions []question.Question, answers Answers) int64 {
	var total int64
	for _, q := range questions {
		total += ScoreQuestion(q, answers).EarnedMarks
	}
	return total
}

type FeedbackBand string

const (
	BandExcellent      FeedbackBand = "EXCELLENT"
	BandVeryGood       FeedbackBand = "VERY_GOOD"
	BandGood           FeedbackBand = "GOOD"
	BandKeepPracticing FeedbackBand = "KEEP_PRACTICING"
)

// Band maps a score ratio onto display feedback. It never affects grading.
func Band(score, totalMarks int64) FeedbackBand {
	if totalMarks <= 0 {
		return BandKeepPracticing
	}
	// integer comparison avoids float rounding at the thresholds
	pct := score * 100
	switch {
	case pct >= 90*totalMarks:
		return BandExcellent
	case pct >= 75*totalMarks:
		return BandVeryGood
	case pct >= 50*totalMarks:
		return BandGood
	default:
		return BandKeepPracticing
	}
}

// MessageID is the translation key for the band's feedback copy.
func (b FeedbackBand) MessageID() string {
	switch b {
	case BandExcellent:
		return "feedback_excellent"
	case BandVeryGood:
		return "feedback_very_good"
	case BandGood:
		return "feedback_good"
	default:
		return "feedback_keep_practicing"
	}
}
