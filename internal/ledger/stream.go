package ledger

import "github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"

// SubjectStream is a finite, forward-only sequence of subjects. It cannot be
// rewound; a new enumeration is required to start over.
type SubjectStream struct {
	subjects []model.Subject
	pos      int
}

func NewSubjectStream(subjects []model.Subject) *SubjectStream {
	cp := make([]model.Subject, len(subjects))
	copy(cp, subjects)
	return &SubjectStream{subjects: cp}
}

func (s *SubjectStream) Len() int {
	return len(s.subjects)
}

// Remaining is the number of subjects not yet consumed.
func (s *SubjectStream) Remaining() int {
	return len(s.subjects) - s.pos
}

// Position is the index of the next subject to be returned.
func (s *SubjectStream) Position() int {
	return s.pos
}

func (s *SubjectStream) Next() (model.Subject, bool) {
	if s.pos >= len(s.subjects) {
		return "", false
	}
	subject := s.subjects[s.pos]
	s.pos++
	return subject, true
}

// NextBatch returns up to n subjects, or nil when the stream is exhausted.
func (s *SubjectStream) NextBatch(n int) []model.Subject {
	if n <= 0 || s.pos >= len(s.subjects) {
		return nil
	}
	end := s.pos + n
	if end > len(s.subjects) {
		end = len(s.subjects)
	}
	batch := s.subjects[s.pos:end:end]
	s.pos = end
	return batch
}
