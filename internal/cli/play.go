package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"physiquest-session/internal/app"
	"physiquest-session/internal/config"
	"physiquest-session/internal/domain"
	"physiquest-session/internal/infra/memory"
)

type playOptions struct {
	setID    string
	topology string
	name     string
	role     string
	teacher  string
	room     string
}

// NewPlayCmd runs one participant in the terminal.
func NewPlayCmd(configPath *string) *cobra.Command {
	opts := playOptions{}
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a session as a terminal participant",
		Long: `Join a session and drive it from stdin. Commands:
  claim            race for the turn (peer)
  answer <text>    submit an answer
  hint             reveal the hint
  next             advance (leader, teacher or solo)
  start            skip the round introduction
  jump <r> <q>     send everyone to a question (hosting teacher)
  rejoin           leave and rejoin the channel
  view             print the session
  quit             leave the session`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd.Context(), *configPath, opts, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.setID, "set", memory.SampleSetID, "question set id")
	cmd.Flags().StringVar(&opts.topology, "topology", string(domain.TopologySolo), "SOLO, PEER or TEACHER_LED")
	cmd.Flags().StringVar(&opts.name, "name", os.Getenv("USER"), "display name")
	cmd.Flags().StringVar(&opts.role, "role", string(domain.RoleStudent), "student or teacher")
	cmd.Flags().StringVar(&opts.teacher, "teacher", "", "hosting teacher name (channel)")
	cmd.Flags().StringVar(&opts.room, "room", "", "room code (channel)")
	return cmd
}

func runPlay(ctx context.Context, configPath string, opts playOptions, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	topology, err := domain.ParseTopology(opts.topology)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	var transport app.Transport
	if topology != domain.TopologySolo {
		if transport, err = d.transport(cfg); err != nil {
			return err
		}
	}
	service := app.NewMatchService(d.questionSets(cfg), transport, settingsFromConfig(cfg))

	m, err := service.Start(ctx, app.StartRequest{
		SetID:       opts.setID,
		Topology:    topology,
		DisplayName: opts.name,
		Role:        domain.Role(opts.role),
		TeacherName: opts.teacher,
		RoomCode:    opts.room,
	})
	if err != nil {
		return err
	}
	defer m.Exit(context.Background())

	views, cancel := m.Subscribe()
	defer cancel()
	go func() {
		last := ""
		for v := range views {
			if line := render(v); line != last {
				fmt.Fprintln(out, line)
				last = line
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.Done():
			return m.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := dispatch(ctx, m, line, out)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// dispatch runs one stdin command against the match.
func dispatch(ctx context.Context, m *app.Match, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch strings.ToLower(fields[0]) {
	case "claim":
		return false, m.Claim(ctx)
	case "answer":
		if len(fields) < 2 {
			return false, errors.New("usage: answer <text>")
		}
		return false, m.Submit(ctx, strings.Join(fields[1:], " "))
	case "hint":
		hint, err := m.UseHint(ctx)
		if err == nil {
			fmt.Fprintf(out, "hint: %s\n", hint)
		}
		return false, err
	case "next":
		return false, m.Advance(ctx)
	case "start":
		return false, m.StartNow(ctx)
	case "jump":
		if len(fields) != 3 {
			return false, errors.New("usage: jump <round> <question>")
		}
		r, err1 := strconv.Atoi(fields[1])
		q, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			return false, errors.New("usage: jump <round> <question>")
		}
		return false, m.JumpTo(ctx, r, q)
	case "rejoin":
		return false, m.Rejoin(ctx)
	case "view":
		v, err := m.View(ctx)
		if err == nil {
			fmt.Fprintln(out, render(v))
			for _, e := range v.Leaderboard {
				fmt.Fprintf(out, "  %-16s %5d\n", e.DisplayName, e.Score)
			}
		}
		return false, err
	case "quit", "exit":
		return true, m.Exit(ctx)
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

func render(v domain.SessionView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s] %s", v.Phase, v.Connection, v.QuestionKey)
	switch v.Phase {
	case domain.PhaseRoundIntro:
		fmt.Fprintf(&b, " %s: %s (%ds)", v.RoundTitle, v.RoundDescription, v.Remaining)
	case domain.PhaseContest, domain.PhaseAnswering:
		if v.Question != nil {
			fmt.Fprintf(&b, " %s", v.Question.Content)
			for i, opt := range v.Question.Options {
				fmt.Fprintf(&b, " %c) %s", 'A'+i, opt)
			}
		}
		fmt.Fprintf(&b, " (%ds)", v.Remaining)
		if v.TurnHolder != "" {
			fmt.Fprintf(&b, " turn: %s", v.TurnHolder)
		}
	case domain.PhaseFeedback:
		if v.Feedback != nil {
			verdict := "wrong"
			if v.Feedback.IsCorrect {
				verdict = "correct"
			}
			fmt.Fprintf(&b, " %s, answer %s. %s", verdict, v.Feedback.CorrectAnswer, v.Feedback.Explanation)
		}
		if v.AwaitingAdvance {
			b.WriteString(" waiting for the next question")
		}
	case domain.PhaseComplete:
		for _, e := range v.Leaderboard {
			fmt.Fprintf(&b, " %s=%d", e.DisplayName, e.Score)
		}
	}
	return b.String()
}
