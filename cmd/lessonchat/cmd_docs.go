package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	lessonplan "github.com/cwhhwc/AI-lesson-plan-writing"
)

var exportDir string

var docsCmd = &cobra.Command{
	Use:     "docs",
	Aliases: []string{"documents"},
	Short:   "Manage generated lesson plans",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored documents",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, _ []string) error {
		files, err := app.Library.Refresh(ctx)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("No documents")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.ID, f.Name, f.UpdatedAt)
		}
		return w.Flush()
	}),
}

var docsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a document",
	Args:  cobra.MinimumNArgs(2),
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, args []string) error {
		if _, err := app.Library.Refresh(ctx); err != nil {
			return err
		}
		if err := app.Library.Rename(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Println("Renamed", args[0])
		return nil
	}),
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, args []string) error {
		if _, err := app.Library.Refresh(ctx); err != nil {
			return err
		}
		if err := app.Library.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Deleted", args[0])
		return nil
	}),
}

var docsEditCmd = &cobra.Command{
	Use:   "edit <id> <html-file>",
	Short: "Replace a document's content with the HTML in a file",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		saver := app.NewAutoSaver(args[0], nil)
		defer saver.Close()
		saver.Schedule(string(data))
		if err := saver.Flush(ctx); err != nil {
			return err
		}
		fmt.Println("Saved", args[0])
		return nil
	}),
}

var docsExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Download a document as .docx",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, args []string) error {
		exp, err := app.ExportDocument(ctx, args[0])
		if err != nil {
			return err
		}
		path := filepath.Join(exportDir, exp.Filename)
		if err := os.WriteFile(path, exp.Data, 0o644); err != nil {
			return err
		}
		fmt.Println("Wrote", path)
		return nil
	}),
}

func init() {
	docsExportCmd.Flags().StringVarP(&exportDir, "output-dir", "o", ".", "directory to write the file to")
	docsCmd.AddCommand(docsListCmd, docsRenameCmd, docsDeleteCmd, docsEditCmd, docsExportCmd)
}
