package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	lessonplan "github.com/cwhhwc/AI-lesson-plan-writing"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/config"
)

var rememberMe bool

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in and keep the credentials for later commands",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, args []string) error {
		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		user, err := app.Login(ctx, args[0], password, rememberMe)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Printf("Signed in as %s (id %s)\n", user.Username, user.ID)
		return nil
	}),
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored credentials",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, _ []string) error {
		if err := app.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("Signed out")
		return nil
	}),
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, args []string) error {
		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			return err
		}
		msg, err := app.Register(ctx, args[0], password, confirm)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		if msg == "" {
			msg = "Registered. Sign in with lessonchat login " + args[0]
		}
		fmt.Println(msg)
		return nil
	}),
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	Args:  cobra.NoArgs,
	RunE: withApp(func(_ context.Context, app *lessonplan.App, _ []string) error {
		user := app.Session.User()
		if user == nil {
			fmt.Println("Not signed in")
			return nil
		}
		fmt.Printf("%s (id %s)\n", user.Username, user.ID)
		return nil
	}),
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a config file with default settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.SaveConfig(config.Default(), path); err != nil {
			return err
		}
		fmt.Println("Wrote", path)
		return nil
	},
}

func init() {
	loginCmd.Flags().BoolVar(&rememberMe, "remember", false, "ask the server for a long-lived session")
	rootCmd.AddCommand(initConfigCmd)
}

func promptPassword(prompt string) (string, error) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	pw, err := line.PasswordPrompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", errors.New("aborted")
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(pw) == "" {
		return "", errors.New("password cannot be empty")
	}
	return pw, nil
}
