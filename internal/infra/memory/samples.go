package memory

import "physiquest-session/internal/domain"

// SampleSetID names the built-in demo set.
const SampleSetID = "physiquest-demo"

// SampleSets returns the built-in question sets used when no store is configured.
func SampleSets() map[string]domain.QuestionSet {
	return map[string]domain.QuestionSet{
		SampleSetID: {
			ID:    SampleSetID,
			Title: "PhysiQuest demo",
			Rounds: []domain.Round{
				{
					Title:       "Motion",
					Description: "Speed, velocity and acceleration. Answer before the clock runs out.",
					Questions: []domain.Question{
						{
							ID:            "motion-vector",
							Content:       "Which of these quantities is a vector?",
							Kind:          domain.AnswerSingleChoice,
							Options:       []string{"Speed", "Velocity", "Mass", "Temperature"},
							CorrectAnswer: "B",
							Explanation:   "Velocity has both magnitude and direction.",
							Hint:          "Think about direction.",
							TimeLimitSec:  30,
							Points:        100,
						},
						{
							ID:            "motion-speed",
							Content:       "A cyclist covers 1.2 km in 20 s. What is the average speed in m/s?",
							Kind:          domain.AnswerShort,
							CorrectAnswer: "60",
							Explanation:   "v = d / t = 1200 m / 20 s = 60 m/s.",
							Hint:          "Convert kilometres to metres first.",
							TimeLimitSec:  40,
							Points:        100,
							Challenge:     "speed-run",
						},
					},
				},
				{
					Title:       "Forces",
					Description: "Newton's laws in four statements.",
					Questions: []domain.Question{
						{
							ID:            "forces-inertia",
							Content:       "True or false: (1) a body at rest stays at rest without net force; (2) heavier objects fall faster in vacuum; (3) action and reaction act on the same body; (4) F = m a.",
							Kind:          domain.AnswerTrueFalse,
							CorrectAnswer: "TFFT",
							Explanation:   "In vacuum all bodies fall equally fast; action and reaction act on different bodies.",
							TimeLimitSec:  45,
							Points:        150,
							Mechanic:      "true-false-grid",
						},
					},
				},
			},
		},
	}
}
