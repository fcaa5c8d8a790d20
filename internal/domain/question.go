package domain

import "fmt"

// AnswerKind declares how a question's answer is expressed.
type AnswerKind string

const (
	// AnswerSingleChoice is a single option letter such as "B".
	AnswerSingleChoice AnswerKind = "single_choice"
	// AnswerTrueFalse is a four-slot true/false vector such as "TFFT".
	AnswerTrueFalse AnswerKind = "true_false"
	// AnswerShort is a free-form short answer, compared numerically when both sides are numbers.
	AnswerShort AnswerKind = "short_answer"
)

// DefaultPoints is the value of a question that declares none.
const DefaultPoints = 100

// Question is read-only for the lifetime of a session.
type Question struct {
	ID            string     `json:"id" yaml:"id"`
	Content       string     `json:"content" yaml:"content"`
	Kind          AnswerKind `json:"kind" yaml:"kind"`
	Options       []string   `json:"options,omitempty" yaml:"options,omitempty"`
	CorrectAnswer string     `json:"correctAnswer" yaml:"correctAnswer"`
	Explanation   string     `json:"explanation" yaml:"explanation"`
	Hint          string     `json:"hint,omitempty" yaml:"hint,omitempty"`
	TimeLimitSec  int        `json:"timeLimitSec" yaml:"timeLimitSec"`
	Points        int        `json:"points" yaml:"points"` // defaults to DefaultPoints if zero
	Challenge     string     `json:"challenge,omitempty" yaml:"challenge,omitempty"`
	Mechanic      string     `json:"mechanic,omitempty" yaml:"mechanic,omitempty"`
}

// Value returns the full point value of the question.
func (q Question) Value() int {
	if q.Points <= 0 {
		return DefaultPoints
	}
	return q.Points
}

// View strips the answer and explanation.
func (q Question) View() *QuestionView {
	return &QuestionView{
		ID:           q.ID,
		Content:      q.Content,
		Kind:         q.Kind,
		Options:      append([]string(nil), q.Options...),
		TimeLimitSec: q.TimeLimitSec,
		Points:       q.Value(),
		HasHint:      q.Hint != "",
		Challenge:    q.Challenge,
		Mechanic:     q.Mechanic,
	}
}

// Round is an ordered group of questions with its own introduction text.
type Round struct {
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description" yaml:"description"`
	Questions   []Question `json:"questions" yaml:"questions"`
}

// QuestionSet is what the question-set provider returns for a set identifier.
type QuestionSet struct {
	ID     string  `json:"id" yaml:"id"`
	Title  string  `json:"title" yaml:"title"`
	Rounds []Round `json:"rounds" yaml:"rounds"`
}

// Validate checks the structural guarantees the coordinator relies on.
func (s QuestionSet) Validate() error {
	if len(s.Rounds) == 0 {
		return fmt.Errorf("%w: set %q has no rounds", ErrInvalidQuestionSet, s.ID)
	}
	for i, round := range s.Rounds {
		if len(round.Questions) == 0 {
			return fmt.Errorf("%w: round %d of set %q has no questions", ErrInvalidQuestionSet, i, s.ID)
		}
		for j, q := range round.Questions {
			switch q.Kind {
			case AnswerSingleChoice, AnswerTrueFalse, AnswerShort:
			default:
				return fmt.Errorf("%w: question %s has unknown kind %q", ErrInvalidQuestionSet, QuestionKey(i, j), q.Kind)
			}
			if q.CorrectAnswer == "" {
				return fmt.Errorf("%w: question %s has no correct answer", ErrInvalidQuestionSet, QuestionKey(i, j))
			}
		}
	}
	return nil
}

// QuestionCount is the total number of questions across rounds.
func (s QuestionSet) QuestionCount() int {
	n := 0
	for _, r := range s.Rounds {
		n += len(r.Questions)
	}
	return n
}
