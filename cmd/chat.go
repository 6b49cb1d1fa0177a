package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/pkg/assistant"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions interactively in the terminal",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
}

// spin animates a spinner until stop is called.
func spin(description string) (stop func()) {
	bar := getSpinner(description)
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				_ = bar.Finish()
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()
	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		<-finished
	}
}

type session struct {
	assistant *assistant.Assistant
	history   []models.Turn
	lastQuery models.Query
	lastReply string
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, closeStore, err := buildAssistant(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	s := &session{assistant: a}

	color.Cyan("\nAsk about your documents (type 'exit' to quit)")
	color.Cyan("Commands: /up, /down [comment] to rate the last answer, /cite <chunk_id> to show a source")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if strings.ToLower(line) == "exit" {
			break
		}
		if ctx.Err() != nil {
			break
		}

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "/up"), strings.HasPrefix(line, "/down"):
			s.rate(ctx, line)
		case strings.HasPrefix(line, "/cite"):
			s.cite(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/cite")))
		default:
			s.ask(ctx, line)
		}
	}

	return scanner.Err()
}

func (s *session) ask(ctx context.Context, text string) {
	q := models.NewQuery(text, s.history)
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	stop := spin("🔍 Searching documents...")
	started := false
	var answer strings.Builder

	for ev := range s.assistant.Ask(ctx, q) {
		stop()
		switch ev.Kind {
		case models.EventStageStart:
			color.Blue("· %s", ev.Stage)
		case models.EventToolResult:
			color.Blue("· tool result")
		case models.EventToken:
			if !started {
				fmt.Print("\n")
				assistantPrompt("Assistant: ")
				started = true
			}
			fmt.Print(ev.Text)
			answer.WriteString(ev.Text)
		case models.EventDegraded:
			color.Yellow("\n⚠ %s", ev.Message)
		case models.EventError:
			color.Red("\nError: %s", ev.Message)
		case models.EventDone:
			fmt.Print("\n")
		}
	}
	stop()

	s.lastQuery = q
	s.lastReply = answer.String()
	if s.lastReply != "" {
		s.history = append(s.history,
			models.Turn{Role: models.RoleUser, Text: q.RawText},
			models.Turn{Role: models.RoleAssistant, Text: s.lastReply},
		)
	}
}

func (s *session) rate(ctx context.Context, line string) {
	if s.lastQuery.ID == "" {
		color.Yellow("Nothing to rate yet")
		return
	}
	verdict := models.VerdictUp
	rest := strings.TrimPrefix(line, "/up")
	if strings.HasPrefix(line, "/down") {
		verdict = models.VerdictDown
		rest = strings.TrimPrefix(line, "/down")
	}

	err := s.assistant.Feedback(ctx, models.Feedback{
		QueryID:  s.lastQuery.ID,
		Verdict:  verdict,
		Query:    s.lastQuery.RawText,
		Response: s.lastReply,
		Comment:  strings.TrimSpace(rest),
	})
	if err != nil {
		color.Red("Error recording feedback: %v", err)
		return
	}
	color.Green("✓ Thanks for the feedback")
}

func (s *session) cite(ctx context.Context, id string) {
	if id == "" {
		color.Yellow("Usage: /cite <chunk_id>")
		return
	}
	chunk, err := s.assistant.Resolve(ctx, id)
	if err != nil {
		color.Red("Error: %v", err)
		return
	}
	header := chunk.SourceDocumentID
	if pages := chunk.Pages.String(); pages != "" {
		header += ", " + pages
	}
	color.Cyan("[%s] %s", chunk.ID, header)
	fmt.Println(chunk.Text)
}
