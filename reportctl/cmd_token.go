package main

import (
	"fmt"
	"time"

	"civicportal/client"

	"github.com/spf13/cobra"
)

// tokenCmd manages the saved session token
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the saved session token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <token>",
	Short: "Save a session token",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenSet,
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show whether a session token is saved",
	RunE:  runTokenShow,
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the saved session token",
	RunE:  runTokenClear,
}

func runTokenSet(cmd *cobra.Command, args []string) error {
	store, err := tokenStore()
	if err != nil {
		return err
	}
	if err := store.SetToken(args[0]); err != nil {
		return err
	}
	if client.Expired(args[0], time.Now()) {
		fmt.Fprintln(cmd.OutOrStdout(), "Token saved, but it has already expired.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", store.Path())
	return nil
}

func runTokenShow(cmd *cobra.Command, args []string) error {
	store, err := tokenStore()
	if err != nil {
		return err
	}
	token, err := store.Token()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case token == "":
		fmt.Fprintln(out, "No session token saved; requests are sent anonymously.")
	case client.Expired(token, time.Now()):
		fmt.Fprintf(out, "Saved token %s has expired.\n", mask(token))
	default:
		fmt.Fprintf(out, "Saved token %s\n", mask(token))
	}
	return nil
}

func runTokenClear(cmd *cobra.Command, args []string) error {
	store, err := tokenStore()
	if err != nil {
		return err
	}
	if err := store.ClearToken(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Session token cleared.")
	return nil
}

// mask keeps only the ends of a token
func mask(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
