package app

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"physiquest-session/internal/domain"
)

const numericTolerance = 1e-6

// CheckAnswer compares a submitted answer with the canonical one for the question kind.
// An empty answer is a timeout and never correct.
func CheckAnswer(q domain.Question, answer string) (bool, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return false, nil
	}
	switch q.Kind {
	case domain.AnswerSingleChoice:
		return strings.EqualFold(answer, strings.TrimSpace(q.CorrectAnswer)), nil
	case domain.AnswerTrueFalse:
		got, err := normalizeTrueFalse(answer)
		if err != nil {
			return false, err
		}
		want, err := normalizeTrueFalse(q.CorrectAnswer)
		if err != nil {
			return false, fmt.Errorf("question %s: %w", q.ID, err)
		}
		return got == want, nil
	case domain.AnswerShort:
		return shortAnswerMatches(answer, q.CorrectAnswer), nil
	}
	return false, fmt.Errorf("question %s: unknown answer kind %q", q.ID, q.Kind)
}

// normalizeTrueFalse accepts "TFFT", "t,f,f,t" or "true false false true".
func normalizeTrueFalse(raw string) (string, error) {
	fields := strings.FieldsFunc(strings.ToUpper(raw), func(r rune) bool {
		return r == ',' || r == ' ' || r == '/' || r == ';'
	})
	if len(fields) == 1 {
		fields = strings.Split(fields[0], "")
	}
	var b strings.Builder
	for _, f := range fields {
		switch f {
		case "T", "TRUE":
			b.WriteByte('T')
		case "F", "FALSE":
			b.WriteByte('F')
		default:
			return "", fmt.Errorf("%w: %q is not a true/false value", domain.ErrInvalidAnswerSubmission, f)
		}
	}
	if b.Len() != 4 {
		return "", fmt.Errorf("%w: expected 4 true/false values, got %d", domain.ErrInvalidAnswerSubmission, b.Len())
	}
	return b.String(), nil
}

func shortAnswerMatches(answer, correct string) bool {
	correct = strings.TrimSpace(correct)
	a, errA := parseNumber(answer)
	c, errC := parseNumber(correct)
	if errA == nil && errC == nil {
		scale := math.Max(1, math.Abs(c))
		return math.Abs(a-c) <= numericTolerance*scale
	}
	return strings.EqualFold(collapseSpaces(answer), collapseSpaces(correct))
}

func parseNumber(raw string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
