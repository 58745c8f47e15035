package question

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type examFile struct {
	Exams []ExamInput `yaml:"exams"`
}

// DecodeExams reads a YAML document with a top-level "exams" list.
func DecodeExams(r io.Reader) ([]ExamInput, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f examFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty exam file", ErrInvalidInput)
		}
		return nil, fmt.Errorf("decode exam file: %w", err)
	}
	if len(f.Exams) == 0 {
		return nil, fmt.Errorf("%w: exam file has no exams", ErrInvalidInput)
	}
	return f.Exams, nil
}

// ImportExams creates every exam in the YAML document. It stops at the first
// invalid exam; exams created before it are kept.
func (s *Service) ImportExams(ctx context.Context, r io.Reader) ([]Exam, error) {
	inputs, err := DecodeExams(r)
	if err != nil {
		return nil, err
	}

	out := make([]Exam, 0, len(inputs))
	for i, in := range inputs {
		e, err := s.CreateExam(ctx, in)
		if err != nil {
			return out, fmt.Errorf("exam %d (%s): %w", i+1, in.Title, err)
		}
		out = append(out, *e)
	}
	return out, nil
}
