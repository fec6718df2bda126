package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/client"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/reconciler"
	"github.com/stemsi/exstem-attempt/internal/response"
	"golang.org/x/term"
)

// attempt-client runs the countdown for one attempt against a live server.
//
// Commands on stdin:
//
//	answer <question> <value>   stage an answer (options as 0,2 or free text)
//	submit                      submit the current subject
//	finish                      submit the whole attempt
func main() {
	var (
		baseURL   string
		token     string
		attemptID string
		examID    string
		logLevel  string
		resync    time.Duration
	)
	flag.StringVar(&baseURL, "url", "http://localhost:8080", "Server base URL")
	flag.StringVar(&token, "token", os.Getenv("ATTEMPT_TOKEN"), "Candidate bearer token")
	flag.StringVar(&attemptID, "attempt", "", "Attempt ID to resume")
	flag.StringVar(&examID, "exam", "", "Exam ID to start when -attempt is empty")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level")
	flag.DurationVar(&resync, "resync", reconciler.DefaultResyncInterval, "Server resync interval")
	flag.Parse()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(logLevel, "pretty", "")

	if token == "" {
		log.Fatal().Msg("A token is required (-token or ATTEMPT_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(baseURL, token, nil)

	// ─── Resolve Attempt ───────────────────────────────────────────────
	var (
		id   uuid.UUID
		exam *model.ExamDefinition
	)
	switch {
	case attemptID != "":
		parsed, err := uuid.Parse(attemptID)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid attempt ID")
		}
		state, err := api.Status(ctx, parsed)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load attempt")
		}
		id, exam = parsed, state.Exam
	case examID != "":
		parsed, err := uuid.Parse(examID)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid exam ID")
		}
		state, err := api.Start(ctx, parsed)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Code == response.ErrAttemptConflict {
			state, err = api.Resume(ctx, parsed)
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start attempt")
		}
		id, exam = state.AttemptID, state.Exam
		fmt.Printf("Attempt %s\n", id)
	default:
		log.Fatal().Msg("Either -attempt or -exam is required")
	}

	// ─── Run Reconciler ────────────────────────────────────────────────
	out := newDisplay(term.IsTerminal(int(os.Stdout.Fd())))

	r := reconciler.New(api, id, reconciler.Config{
		ResyncInterval: resync,
		OnChange:       out.render,
		OnError:        out.error,
	}, log)

	go readCommands(ctx, r, api, id, out, exam, log)

	final, err := r.Run(ctx)
	out.done()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Reconciler stopped")
	}
	if final != nil {
		fmt.Printf("Attempt %s: %s (%d answers)\n", final.AttemptID, final.Status, len(final.Answers))
	}
}

func readCommands(ctx context.Context, r *reconciler.Reconciler, api *client.Client, id uuid.UUID, out *display, exam *model.ExamDefinition, log zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "submit":
			err = r.Submit()
		case "finish":
			err = r.Finish()
		case "answer":
			subject := out.subject()
			var entry model.AnswerEntry
			entry, err = parseAnswer(fields[1:], exam, subject)
			if err == nil {
				err = r.Stage(entry)
			}
			if err == nil {
				// Autosave too; the staged copy still goes out with the next submit.
				go autosave(ctx, api, id, subject, entry, out)
			}
		default:
			err = fmt.Errorf("unknown command %q", fields[0])
		}

		if errors.Is(err, reconciler.ErrNotRunning) {
			return
		}
		if err != nil {
			out.error(err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("Stopped reading stdin")
	}
}

func autosave(ctx context.Context, api *client.Client, id uuid.UUID, subject int, entry model.AnswerEntry, out *display) {
	ctx, cancel := context.WithTimeout(ctx, reconciler.DefaultCallTimeout)
	defer cancel()
	if _, err := api.SaveAnswers(ctx, id, subject, []model.AnswerEntry{entry}); err != nil {
		out.error(fmt.Errorf("autosave: %w", err))
	}
}

func parseAnswer(args []string, exam *model.ExamDefinition, subject int) (model.AnswerEntry, error) {
	if len(args) < 2 {
		return model.AnswerEntry{}, errors.New("usage: answer <question> <value>")
	}
	q, err := strconv.Atoi(args[0])
	if err != nil || q < 0 {
		return model.AnswerEntry{}, fmt.Errorf("invalid question index %q", args[0])
	}
	if exam == nil || subject >= len(exam.Subjects) || q >= len(exam.Subjects[subject].Questions) {
		return model.AnswerEntry{}, fmt.Errorf("question %d not in subject %d", q, subject)
	}

	def := exam.Subjects[subject].Questions[q]
	entry := model.AnswerEntry{QuestionIndex: q, Type: def.Type}
	value := strings.Join(args[1:], " ")

	switch def.Type.AnswerKind() {
	case model.AnswerKindOptions:
		var opts []int
		for _, s := range strings.Split(value, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return model.AnswerEntry{}, fmt.Errorf("invalid option %q", s)
			}
			opts = append(opts, n)
		}
		entry.Answer = model.OptionsAnswer(opts...)
	case model.AnswerKindArtifact:
		entry.Answer = model.ArtifactAnswer(value)
	default:
		entry.Answer = model.TextAnswer(value)
	}
	return entry, nil
}

// display prints the countdown inline on a terminal and as lines otherwise.
type display struct {
	mu     sync.Mutex
	inline bool
	last   reconciler.View
	dirty  bool
}

func newDisplay(inline bool) *display {
	return &display{inline: inline}
}

func (d *display) render(v reconciler.View) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.last
	d.last = v

	line := fmt.Sprintf("subject %d/%d  %s  remaining %s  pending %d",
		v.CurrentSubject+1, v.SubjectCount, v.Status, v.Remaining.Round(time.Second), v.Pending)
	if v.Submitting {
		line += "  submitting..."
	}

	if d.inline {
		fmt.Printf("\r\033[K%s", line)
		d.dirty = true
		return
	}
	// Line mode prints every ten seconds and on state changes.
	if v.Remaining.Truncate(10*time.Second) != prev.Remaining.Truncate(10*time.Second) ||
		v.CurrentSubject != prev.CurrentSubject || v.Status != prev.Status || v.Submitting != prev.Submitting {
		fmt.Println(line)
	}
}

func (d *display) error(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLine()
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func (d *display) subject() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last.CurrentSubject
}

func (d *display) done() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLine()
}

func (d *display) clearLine() {
	if d.inline && d.dirty {
		fmt.Print("\n")
		d.dirty = false
	}
}
