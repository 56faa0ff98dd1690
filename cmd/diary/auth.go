package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/diary/internal/auth"
	"github.com/mschirtzinger/diary/internal/config"
	"github.com/mschirtzinger/diary/internal/eventsrv"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	GroupID: "setup",
	Short:   "Connect or disconnect Dropbox",
	Long: `Authorize diary to store its encrypted snapshot in your Dropbox.

By default a browser URL is printed and a local callback server waits for
Dropbox to redirect back with the token. If the daemon is running it serves
the callback instead and this command exits after printing the URL.

Examples:
  diary auth                         # browser flow
  diary auth --paste                 # paste the token or redirect URL
  diary auth --token sl.ABC...       # store a token directly
  diary auth --app-key abc123        # set the Dropbox app key
  diary auth --logout                # forget the credential

A sync that stopped for re-authorization resumes once a credential is
stored.`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		appKey, _ := flags.GetString("app-key")
		token, _ := flags.GetString("token")
		redirect, _ := flags.GetString("redirect")
		paste, _ := flags.GetBool("paste")
		logout, _ := flags.GetBool("logout")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()
		if a.cfg.Remote.Backend == config.BackendFolder {
			printer().Info("The folder backend needs no authorization.")
			return
		}
		if err := a.openSync(); err != nil {
			fatalf("%v", err)
		}
		p := printer()

		if appKey != "" {
			if err := a.tokens.SetAppKey(appKey); err != nil {
				fatalf("%v", err)
			}
			p.Success("App key saved")
		}

		switch {
		case logout:
			if err := a.tokens.ClearCredential(); err != nil {
				fatalf("%v", err)
			}
			p.Success("Credential removed")
			return

		case token != "":
			cred, err := auth.CredentialFromPaste(token)
			if err != nil {
				fatalf("%v", err)
			}
			completeAuth(ctx, a, cred)
			return

		case redirect != "":
			cred, err := a.tokens.CredentialFromRedirect(redirect)
			if err != nil {
				fatalf("%v", err)
			}
			completeAuth(ctx, a, cred)
			return

		case appKey != "" && !paste:
			return
		}

		if a.tokens.AppKey() == "" {
			if !isTerminal(os.Stdin) {
				fatalf("no Dropbox app key; pass --app-key or set dropbox.app_key")
			}
			if err := huh.NewInput().Title("Dropbox app key").Value(&appKey).Run(); err != nil {
				fatalf("%v", err)
			}
			if err := a.tokens.SetAppKey(appKey); err != nil {
				fatalf("%v", err)
			}
		}

		authURL, err := a.tokens.BeginAuthorization()
		if err != nil {
			fatalf("%v", err)
		}
		p.Info("Open this URL to authorize diary:\n\n  %s\n", authURL)

		if paste {
			cred, err := promptCredential(a)
			if err != nil {
				fatalf("%v", err)
			}
			completeAuth(ctx, a, cred)
			return
		}

		creds := make(chan auth.Credential, 1)
		srv := eventsrv.NewServer(eventsrv.Config{
			Addr: a.cfg.Events.Addr,
			Bus:  a.bus,
			OnRedirect: func(ctx context.Context, rawURL string) error {
				cred, err := a.tokens.CredentialFromRedirect(rawURL)
				if err != nil {
					return err
				}
				select {
				case creds <- cred:
				default:
				}
				return nil
			},
			Logger: componentLogger(nil, "events"),
		})
		if err := srv.Start(); err != nil {
			p.Warn("Could not listen on %s (%v).", a.cfg.Events.Addr, err)
			p.Info("If the daemon is running it completes the authorization; otherwise use `diary auth --paste`.")
			return
		}
		defer srv.Stop()

		p.Info("Waiting for Dropbox to redirect back (Ctrl+C to cancel)...")
		select {
		case cred := <-creds:
			completeAuth(ctx, a, cred)
		case <-ctx.Done():
			p.Warn("Authorization canceled")
		}
	},
}

// promptCredential asks for a pasted token or redirect URL.
func promptCredential(a *app) (auth.Credential, error) {
	if !isTerminal(os.Stdin) {
		return auth.Credential{}, errors.New("--paste needs a terminal; use --token or --redirect")
	}
	var input string
	err := huh.NewInput().
		Title("Paste the access token or the full redirect URL").
		EchoMode(huh.EchoModePassword).
		Value(&input).
		Run()
	if err != nil {
		return auth.Credential{}, err
	}
	input = strings.TrimSpace(input)
	if strings.Contains(input, "access_token=") || strings.HasPrefix(input, "http") {
		return a.tokens.CredentialFromRedirect(input)
	}
	return auth.CredentialFromPaste(input)
}

func completeAuth(ctx context.Context, a *app, cred auth.Credential) {
	res, err := a.engine.CompleteAuthorization(ctx, cred)
	if err != nil {
		fatalf("%v", err)
	}
	p := printer()
	p.Success("Dropbox connected")
	if !res.Skipped {
		reportResult(p, res)
	}
}

func init() {
	authCmd.Flags().String("app-key", "", "Dropbox app key to use")
	authCmd.Flags().String("token", "", "store this access token")
	authCmd.Flags().String("redirect", "", "complete authorization from a redirect URL")
	authCmd.Flags().Bool("paste", false, "prompt for a token instead of waiting for the redirect")
	authCmd.Flags().Bool("logout", false, "remove the stored credential")
	authCmd.MarkFlagsMutuallyExclusive("token", "redirect", "paste", "logout")

	rootCmd.AddCommand(authCmd)
}
