package app_test

import (
	"errors"
	"testing"

	"physiquest-session/internal/app"
	"physiquest-session/internal/domain"
)

func TestCheckAnswer(t *testing.T) {
	choice := domain.Question{ID: "c", Kind: domain.AnswerSingleChoice, CorrectAnswer: "B"}
	vector := domain.Question{ID: "v", Kind: domain.AnswerTrueFalse, CorrectAnswer: "TFFT"}
	number := domain.Question{ID: "n", Kind: domain.AnswerShort, CorrectAnswer: "9.8"}
	text := domain.Question{ID: "t", Kind: domain.AnswerShort, CorrectAnswer: "Newton's first law"}

	cases := []struct {
		name   string
		q      domain.Question
		answer string
		want   bool
	}{
		{"letter", choice, "b", true},
		{"wrong letter", choice, "C", false},
		{"vector compact", vector, "tfft", true},
		{"vector spaced", vector, "true, false, false, true", true},
		{"vector wrong", vector, "TTFT", false},
		{"number", number, "9.80", true},
		{"number comma", number, "9,8", true},
		{"number wrong", number, "10", false},
		{"text", text, "  newton's   FIRST law ", true},
		{"empty is timeout", number, "", false},
	}
	for _, tc := range cases {
		got, err := app.CheckAnswer(tc.q, tc.answer)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestCheckAnswerRejectsMalformedVector(t *testing.T) {
	vector := domain.Question{ID: "v", Kind: domain.AnswerTrueFalse, CorrectAnswer: "TFFT"}
	for _, answer := range []string{"TFF", "TFFX", "TFFTT"} {
		if _, err := app.CheckAnswer(vector, answer); !errors.Is(err, domain.ErrInvalidAnswerSubmission) {
			t.Fatalf("%q: expected invalid submission, got %v", answer, err)
		}
	}
}
