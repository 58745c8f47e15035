package question

import "time"

type ResultConfiguration string

const (
	// ResultManual keeps solutions hidden from students until staff release them.
	ResultManual    ResultConfiguration = "MANUAL"
	ResultAutomatic ResultConfiguration = "AUTOMATIC"
)

func (c ResultConfiguration) Valid() bool {
	return c == ResultManual || c == ResultAutomatic
}

type Type string

// SingleChoice is the only supported question type.
const SingleChoice Type = "SINGLE_CHOICE"

type Exam struct {
	ID                  int64               `json:"id"`
	TeacherID           int64               `json:"teacher_id"`
	GradeID             *int64              `json:"grade_id,omitempty"`
	SubjectID           *int64              `json:"subject_id,omitempty"`
	Title               string              `json:"title"`
	ExamDate            time.Time           `json:"exam_date"`
	DurationMinutes     *int                `json:"duration_minutes,omitempty"`
	EndDate             *time.Time          `json:"end_date,omitempty"`
	TotalMarks          int64               `json:"total_marks"`
	PassingScore        int64               `json:"passing_score"`
	ResultConfiguration ResultConfiguration `json:"result_configuration"`
	Published           bool                `json:"published"`
	CreatedAt           time.Time           `json:"created_at"`
}

// Duration returns the configured exam length, or zero and false when the
// exam only has an end date.
func (e *Exam) Duration() (time.Duration, bool) {
	if e.DurationMinutes == nil {
		return 0, false
	}
	return time.Duration(*e.DurationMinutes) * time.Minute, true
}

type Question struct {
	ID        int64    `json:"id"`
	ExamID    int64    `json:"exam_id"`
	Text      string   `json:"text"`
	ImageURL  string   `json:"image_url,omitempty"`
	Marks     int64    `json:"marks"`
	Type      Type     `json:"type"`
	SortOrder int      `json:"sort_order"`
	Options   []Option `json:"options"`
}

type Option struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Text       string `json:"text"`
	ImageURL   string `json:"image_url,omitempty"`
	IsCorrect  bool   `json:"is_correct"`
	SortOrder  int    `json:"sort_order"`
}

// StudentQuestion is the projection served while an exam is running.
// It never carries the answer key.
type StudentQuestion struct {
	ID       int64           `json:"id"`
	Text     string          `json:"text"`
	ImageURL string          `json:"image_url,omitempty"`
	Marks    int64           `json:"marks"`
	Type     Type            `json:"type"`
	Options  []StudentOption `json:"options"`
}

type StudentOption struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
}

func StudentView(questions []Question) []StudentQuestion {
	out := make([]StudentQuestion, 0, len(questions))
	for _, q := range questions {
		opts := make([]StudentOption, 0, len(q.Options))
		for _, o := range q.Options {
			opts = append(opts, StudentOption{ID: o.ID, Text: o.Text, ImageURL: o.ImageURL})
		}
		out = append(out, StudentQuestion{
			ID:       q.ID,
			Text:     q.Text,
			ImageURL: q.ImageURL,
			Marks:    q.Marks,
			Type:     q.Type,
			Options:  opts,
		})
	}
	return out
}

// Option returns the option with the given id when it belongs to q.
func (q *Question) Option(optionID int64) (Option, bool) {
	for _, o := range q.Options {
		if o.ID == optionID {
			return o, true
		}
	}
	return Option{}, false
}
