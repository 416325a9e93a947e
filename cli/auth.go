// ABOUTME: OAuth authorization command
// ABOUTME: Runs the browser consent flow with a PKCE verifier and single-use state, then stores the token
package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/prokopsimek/pmcrm-sub000/oauthstate"
	"github.com/prokopsimek/pmcrm-sub000/sync"
)

var noBrowser bool

var authCmd = &cobra.Command{
	Use:   "auth <integration-id>",
	Short: "Authorize access to a directory",
	Long: `Open the provider's consent page and wait for the redirect on the
configured callback URL. The token is stored under the XDG data directory
and refreshed automatically by later commands.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		integration, err := app.Store.GetIntegration(ctx, args[0])
		if err != nil {
			return err
		}
		oc, err := app.OAuthConfig(integration.Provider)
		if err != nil {
			return err
		}

		states, err := oauthstate.Open(app.Config.OAuth.StateDir, app.Config.OAuth.StateTTL)
		if err != nil {
			return err
		}
		defer func() { _ = states.Close() }()

		state, entry, err := states.Issue(integration.ID, integration.Provider)
		if err != nil {
			return err
		}

		callback, err := url.Parse(oc.RedirectURL)
		if err != nil {
			return fmt.Errorf("invalid redirect url %q: %w", oc.RedirectURL, err)
		}
		listener, err := net.Listen("tcp", callback.Host)
		if err != nil {
			return fmt.Errorf("failed to listen for oauth callback on %s: %w", callback.Host, err)
		}

		results := make(chan callbackResult, 1)
		exchange := func(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
			return oc.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		}
		mux := http.NewServeMux()
		mux.Handle(callbackPath(callback), callbackHandler(states, integration.ID, exchange, results))
		server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case results <- callbackResult{err: err}:
				default:
				}
			}
		}()
		defer func() { _ = server.Shutdown(context.Background()) }()

		opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(entry.Verifier)}
		if integration.Provider == models.ProviderGoogle {
			// Google only returns a refresh token on first consent unless prompted again.
			opts = append(opts, oauth2.ApprovalForce)
		}
		authURL := oc.AuthCodeURL(state, opts...)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Opening browser for %s authorization...\n", integration.Provider)
		fmt.Fprintf(out, "\nIf the browser doesn't open, visit this URL:\n%s\n\n", authURL)
		if !noBrowser {
			if err := openBrowser(authURL); err != nil {
				app.Logger.Debug("failed to open browser", zap.Error(err))
			}
		}

		timeout := app.Config.OAuth.StateTTL
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}

		select {
		case res := <-results:
			if res.err != nil {
				return fmt.Errorf("OAuth flow failed: %w", res.err)
			}
			path := sync.TokenPath(integration.ID)
			if err := sync.SaveToken(path, res.token); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Authenticated successfully\n")
			fmt.Fprintf(out, "✓ Token saved to %s\n\n", path)
			fmt.Fprintf(out, "Ready to import! Run 'pmcrm import %s'.\n", integration.ID)
			return nil
		case <-time.After(timeout):
			return fmt.Errorf("timed out waiting for authorization")
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

type callbackResult struct {
	token *oauth2.Token
	err   error
}

type exchangeFunc func(ctx context.Context, code, verifier string) (*oauth2.Token, error)

// callbackHandler accepts one redirect carrying a state issued for integrationID.
// Unknown, replayed, or foreign states are rejected without a token exchange.
func callbackHandler(states *oauthstate.Store, integrationID string, exchange exchangeFunc, results chan<- callbackResult) http.Handler {
	report := func(res callbackResult) {
		select {
		case results <- res:
		default:
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if msg := q.Get("error"); msg != "" {
			http.Error(w, "Authorization was denied.", http.StatusBadRequest)
			report(callbackResult{err: fmt.Errorf("provider returned %s: %s", msg, q.Get("error_description"))})
			return
		}

		entry, err := states.Consume(q.Get("state"))
		if err != nil {
			http.Error(w, "Unknown or expired authorization request.", http.StatusBadRequest)
			return
		}
		if entry.IntegrationID != integrationID {
			http.Error(w, "Authorization request belongs to another integration.", http.StatusBadRequest)
			return
		}

		code := q.Get("code")
		if code == "" {
			http.Error(w, "No authorization code received.", http.StatusBadRequest)
			report(callbackResult{err: fmt.Errorf("no authorization code received")})
			return
		}

		token, err := exchange(r.Context(), code, entry.Verifier)
		if err != nil {
			http.Error(w, "Token exchange failed.", http.StatusBadGateway)
			report(callbackResult{err: fmt.Errorf("failed to exchange code: %w", err)})
			return
		}
		_, _ = fmt.Fprintf(w, "Authorization successful! You can close this window.")
		report(callbackResult{token: token})
	})
}

func callbackPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// openBrowser attempts to open URL in default browser
func openBrowser(target string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{target}
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start", target}
	default:
		cmd = "xdg-open"
		args = []string{target}
	}

	return exec.Command(cmd, args...).Start()
}

func init() {
	authCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the authorization URL without opening a browser")
	rootCmd.AddCommand(authCmd)
}
