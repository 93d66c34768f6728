package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"seminar/internal/config"
	"seminar/internal/connection"
	"seminar/internal/dispatcher"
	"seminar/internal/metrics"
	"seminar/internal/websocket"
	"seminar/pkg/types"
)

type joinOptions struct {
	configPath string
	server     string
	code       string
	name       string
	studentID  string
	teacher    bool
}

func newJoinCmd() *cobra.Command {
	var opts joinOptions
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a classroom and follow its state",
		Long: `Join a classroom as a student (--name) or as its teacher (--teacher),
log every state change, and send each line typed on stdin:

  plain text            send_message
  /hand, /lower         raise_hand, lower_hand
  /vote CHOICE...       cast_vote on the current vote
  /poll Q | A | B ...   create_vote (teacher)
  /close, /reset        close_vote, reset_vote (teacher)
  /skip, /confirm       skip_level, confirm_level (teacher)
  /level N              set_level (teacher)
  /mode MODE            set_control_mode (teacher)
  /question TEXT        set_question (teacher)
  /end                  end the classroom (teacher)
  /leave                leave and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), opts, cmd.InOrStdin())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file")
	f.StringVar(&opts.server, "server", "", "websocket URL, e.g. ws://localhost:8080/ws")
	f.StringVar(&opts.code, "code", "", "classroom code")
	f.StringVar(&opts.name, "name", "", "display name (students)")
	f.StringVar(&opts.studentID, "id", "", "student id to resume a seat")
	f.BoolVar(&opts.teacher, "teacher", false, "join as the teacher")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func runJoin(parent context.Context, opts joinOptions, in io.Reader) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	server := opts.server
	if server == "" {
		server = cfg.Client.ServerURL
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := metrics.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()
	recorder, err := metrics.NewRecorder(telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	conn := connection.NewManager(websocket.NewDialer(server), cfg.Client.Connection(), recorder)
	d := dispatcher.New(conn, cfg.Client.AckTimeout)
	conn.OnEvent(d.Route)
	conn.OnStateChange(d.HandleStateChange)
	d.Subscribe(logChange)

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", server, err)
	}
	defer conn.Disconnect()

	result, err := d.Join(ctx, types.JoinClassroom{
		Code:        opts.code,
		IsTeacher:   opts.teacher,
		StudentName: opts.name,
		StudentID:   opts.studentID,
	})
	if err != nil {
		return fmt.Errorf("failed to join classroom: %w", err)
	}
	log.Printf("Joined %s as %s (%s)", strings.ToUpper(opts.code), result.Role, result.ParticipantID)

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
			leaveCtx, cancel := context.WithTimeout(context.Background(), cfg.Client.AckTimeout)
			_ = d.Leave(leaveCtx)
			cancel()
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed, keep following the classroom until interrupted
				lines = nil
				continue
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/leave" {
				return d.Leave(ctx)
			}
			action, err := parseAction(line, d.Snapshot())
			if err != nil {
				log.Printf("%v", err)
				continue
			}
			if _, err := d.Dispatch(ctx, action); err != nil {
				log.Printf("%s failed: %v", action.EventName(), err)
			}
		}
	}
}

// parseAction turns one input line into an outbound command.
func parseAction(line string, snapshot types.ClassroomSession) (types.Event, error) {
	if !strings.HasPrefix(line, "/") {
		return types.SendMessage{Content: line}, nil
	}
	verb, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	voteID := ""
	if snapshot.CurrentVote != nil {
		voteID = snapshot.CurrentVote.ID
	}

	switch verb {
	case "hand":
		return types.RaiseHand{}, nil
	case "lower":
		return types.LowerHand{}, nil
	case "vote":
		return types.CastVote{VoteID: voteID, ChoiceIDs: strings.Fields(rest)}, nil
	case "poll":
		parts := strings.Split(rest, "|")
		if len(parts) < 3 {
			return nil, fmt.Errorf("usage: /poll question | choice | choice")
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return types.CreateVote{Question: parts[0], Choices: parts[1:]}, nil
	case "close":
		return types.CloseVote{VoteID: voteID}, nil
	case "reset":
		return types.ResetVote{VoteID: voteID}, nil
	case "skip":
		return types.SkipLevel{}, nil
	case "confirm":
		return types.ConfirmLevel{}, nil
	case "level":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("usage: /level 1..5")
		}
		return types.SetLevel{Level: types.DialogueLevel(n)}, nil
	case "mode":
		return types.SetControlMode{Mode: types.ControlMode(strings.ToUpper(rest))}, nil
	case "question":
		return types.SetQuestion{Question: rest}, nil
	case "end":
		return types.EndClassroom{}, nil
	default:
		return nil, fmt.Errorf("unknown command /%s", verb)
	}
}

func logChange(c dispatcher.Change) {
	switch {
	case c.Lifecycle != "":
		log.Printf("connection %s (%s)", c.Lifecycle, c.Connection)
	case c.Proposal != nil:
		log.Printf("level %s proposed, confirm with /confirm", c.Proposal.Level)
	default:
		s := c.Snapshot
		line := fmt.Sprintf("%s: status=%s level=%s mode=%s students=%d messages=%d",
			c.Cause, s.Status, s.Level, s.ControlMode, len(s.Students), len(s.Messages))
		if s.CurrentVote != nil {
			line += fmt.Sprintf(" vote=%q ended=%t voters=%d", s.CurrentVote.Question, s.CurrentVote.IsEnded, len(s.CurrentVote.VotedStudents))
		}
		log.Print(line)
	}
}
