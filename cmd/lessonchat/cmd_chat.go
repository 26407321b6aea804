package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	lessonplan "github.com/cwhhwc/AI-lesson-plan-writing"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/archive"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/chat"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/chatapi"
)

var (
	lessonMode  bool
	chatSession string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message, or start an interactive session when none is given",
	Long: `Chat with the assistant.

With a message argument the reply is streamed and the command exits.
Without one an interactive session starts. Inside it:
  /lesson       generate lesson plans
  /chat         plain conversation
  /new          start a new conversation
  /open <id>    continue a stored conversation
  /quit         leave`,
	RunE: withApp(runChat),
}

func init() {
	chatCmd.Flags().BoolVarP(&lessonMode, "lesson", "l", false, "generate a lesson plan document")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "continue the stored conversation with this id")
}

// streamPrinter writes the growing AI reply to stdout as deltas.
type streamPrinter struct {
	mu      sync.Mutex
	printed string
}

func (p *streamPrinter) update(m chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.HasPrefix(m.Content, p.printed) {
		fmt.Print(m.Content[len(p.printed):])
	} else {
		fmt.Print("\n", m.Content)
	}
	p.printed = m.Content
}

func (p *streamPrinter) reset() {
	p.mu.Lock()
	p.printed = ""
	p.mu.Unlock()
}

func runChat(ctx context.Context, app *lessonplan.App, args []string) error {
	printer := &streamPrinter{}
	conv := app.NewConversation(chat.Hooks{
		OnUpdate: printer.update,
		OnAuthInvalid: func() {
			fmt.Println("\nYour session has expired. Run lessonchat login to sign in again.")
		},
	})
	if chatSession != "" {
		if err := conv.Select(ctx, chatSession); err != nil {
			return err
		}
	}

	mode := chat.ModeChat
	if lessonMode {
		mode = chat.ModeLesson
	}

	if len(args) > 0 {
		return send(ctx, conv, printer, strings.Join(args, " "), mode)
	}
	return repl(ctx, app, conv, printer, mode)
}

func send(ctx context.Context, conv *chat.Conversation, printer *streamPrinter, text string, mode chat.Mode) error {
	printer.reset()
	msg, err := conv.Send(ctx, text, mode)
	fmt.Println()
	if msg.Card != nil {
		printCard(msg.Card)
	}
	if errors.Is(err, chatapi.ErrAuthInvalid) {
		return nil
	}
	return err
}

func printCard(card *archive.DocumentCard) {
	switch card.Status {
	case archive.CardCompleted:
		fmt.Printf("[document %s] %s\n  %s\n", *card.PermanentID, card.Title, card.Summary)
	case archive.CardError:
		fmt.Printf("[document failed] %s\n", card.Summary)
	default:
		fmt.Printf("[document %s] %s\n", card.Status, card.Title)
	}
}

func repl(ctx context.Context, app *lessonplan.App, conv *chat.Conversation, printer *streamPrinter, mode chat.Mode) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if app.Session.UserID() == "" {
		fmt.Println("Not signed in: replies will not be saved to history.")
	}

	for {
		input, err := line.Prompt(string(mode) + "> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			fields := strings.Fields(input)
			switch fields[0] {
			case "/quit", "/exit":
				return nil
			case "/lesson":
				mode = chat.ModeLesson
			case "/chat":
				mode = chat.ModeChat
			case "/new":
				conv.NewChat()
				fmt.Println("Started a new conversation")
			case "/open":
				if len(fields) != 2 {
					fmt.Println("usage: /open <id>")
					continue
				}
				if err := conv.Select(ctx, fields[1]); err != nil {
					fmt.Println("error:", err)
					continue
				}
				for _, m := range conv.Messages() {
					fmt.Printf("%s: %s\n", m.Role, m.Content)
					if m.Card != nil {
						printCard(m.Card)
					}
				}
			default:
				fmt.Println("unknown command", fields[0])
			}
			continue
		}

		if err := send(ctx, conv, printer, input, mode); err != nil {
			fmt.Println("error:", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
