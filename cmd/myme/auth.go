package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/myme/internal/auth"
	"github.com/fentz26/myme/internal/models"
	"github.com/spf13/cobra"
)

var providerIDs = []string{"github", "calendar", "mail"}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage provider sign-in",
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sign-in state per provider",
	RunE:  runAuthStatus,
}

var authLoginCmd = &cobra.Command{
	Use:       "login [provider]",
	Short:     "Sign in to a provider in the browser",
	Args:      cobra.ExactArgs(1),
	ValidArgs: providerIDs,
	RunE:      runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:       "logout [provider]",
	Short:     "Sign out of a provider and forget its credentials",
	Args:      cobra.ExactArgs(1),
	ValidArgs: providerIDs,
	RunE:      runAuthLogout,
}

func init() {
	authCmd.AddCommand(authStatusCmd, authLoginCmd, authLogoutCmd)
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	c := newClient()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tSTATE\tEXPIRES\tLAST ERROR")
	for _, id := range providerIDs {
		s, err := c.CheckAuth(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, s.State, expiry(s), s.LastError)
	}
	w.Flush()
	return nil
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), auth.AuthTimeout+30*time.Second)
	defer cancel()

	c := newClient()
	h, err := c.SignIn(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Complete the sign-in to %s in your browser...\n", args[0])

	var s models.AuthSession
	if err := await(ctx, c, h, &s); err != nil {
		return err
	}
	fmt.Printf("Signed in to %s\n", s.ProviderID)
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	s, err := newClient().SignOut(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Signed out of %s (%s)\n", s.ProviderID, s.State)
	return nil
}

func expiry(s models.AuthSession) string {
	if s.ExpiresAt == nil {
		return "-"
	}
	return s.ExpiresAt.Local().Format("2006-01-02 15:04")
}
