package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	lessonplan "github.com/cwhhwc/AI-lesson-plan-writing"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/archive"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/auth"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage stored conversations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, _ []string) error {
		userID, err := app.Session.RequireUserID()
		if err != nil {
			return err
		}
		recs, err := app.Archive.ListConversations(ctx, userID)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No conversations")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMESSAGES\tCREATED")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID, r.DisplayName, len(r.Messages), r.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	}),
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, args []string) error {
		userID, err := app.Session.RequireUserID()
		if err != nil {
			return err
		}
		rec, found, err := app.Archive.GetConversation(ctx, userID, args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("conversation %s not found", args[0])
		}
		fmt.Printf("# %s\n\n", rec.DisplayName)
		for _, m := range rec.Messages {
			fmt.Printf("you: %s\n", m.UserText)
			if m.AIText != "" {
				fmt.Printf("ai:  %s\n", m.AIText)
			}
			if m.Card != nil {
				printCard(m.Card)
			}
			fmt.Println()
		}
		return nil
	}),
}

var historyRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, args []string) error {
		userID, err := app.Session.RequireUserID()
		if err != nil {
			return err
		}
		rec, err := app.Archive.RenameConversation(ctx, userID, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("Renamed %s to %q\n", rec.ID, rec.DisplayName)
		return nil
	}),
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, args []string) error {
		userID, err := app.Session.RequireUserID()
		if err != nil {
			return err
		}
		info, err := app.Archive.DeleteConversation(ctx, userID, args[0])
		if errors.Is(err, archive.ErrNotFound) {
			return fmt.Errorf("conversation %s not found", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %s, %d remaining\n", info.SessionID, info.RemainingCount)
		return nil
	}),
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every stored conversation of the signed-in user",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, _ []string) error {
		userID, err := app.Session.RequireUserID()
		if errors.Is(err, auth.ErrNotAuthenticated) {
			return errors.New("sign in first")
		}
		if err != nil {
			return err
		}
		if err := app.Archive.ClearAll(ctx, userID); err != nil {
			return err
		}
		fmt.Println("History cleared")
		return nil
	}),
}

func init() {
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyRenameCmd, historyDeleteCmd, historyClearCmd)
}
