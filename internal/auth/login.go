package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultCallbackPort is the first port tried for the local callback server.
	DefaultCallbackPort = 17890
	// AuthTimeout is the maximum time to wait for the browser callback.
	AuthTimeout = 5 * time.Minute
)

// callbackResult is what the local callback server hands back to the flow.
type callbackResult struct {
	code string
	err  error
}

// openURL opens the browser; replaced in tests.
var openURL = openBrowser

// browserLogin runs the authorization code flow with PKCE against a loopback
// redirect.
func (m *Manager) browserLogin(ctx context.Context, provider string, base *oauth2.Config) (*oauth2.Token, error) {
	port, err := findAvailablePort(DefaultCallbackPort)
	if err != nil {
		return nil, fmt.Errorf("find available port: %w", err)
	}

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	cfg := *base
	cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	resultCh := make(chan callbackResult, 1)
	server, err := startCallbackServer(port, state, resultCh)
	if err != nil {
		return nil, fmt.Errorf("start callback server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	if err := openURL(authURL); err != nil {
		m.logger.Warn().Err(err).Str("provider", provider).Str("url", authURL).Msg("could not open browser; open the URL manually")
	}

	timer := time.NewTimer(AuthTimeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		tok, err := cfg.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("exchange code: %w", err)
		}
		return tok, nil

	case <-timer.C:
		return nil, fmt.Errorf("authentication timed out after %v", AuthTimeout)

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startCallbackServer starts a local HTTP server to receive the OAuth redirect.
func startCallbackServer(port int, expectedState string, resultCh chan<- callbackResult) (*http.Server, error) {
	send := func(res callbackResult) {
		select {
		case resultCh <- res:
		default: // first callback wins
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()

		// Verify state to prevent CSRF
		if q.Get("state") != expectedState {
			send(callbackResult{err: fmt.Errorf("state mismatch: possible CSRF attack")})
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			send(callbackResult{err: fmt.Errorf("authorization denied: %s %s", e, q.Get("error_description"))})
			http.Error(w, "authorization denied", http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			send(callbackResult{err: fmt.Errorf("callback missing code")})
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>Signed in. You can close this window.</body></html>"))
		send(callbackResult{code: code})
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := server.Serve(listener); err != http.ErrServerClosed {
			send(callbackResult{err: fmt.Errorf("callback server error: %w", err)})
		}
	}()

	return server, nil
}

// findAvailablePort finds an available port starting from the given port.
func findAvailablePort(startPort int) (int, error) {
	for port := startPort; port < startPort+100; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			listener.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port found in range %d-%d", startPort, startPort+100)
}

// generateState returns a random state string for CSRF protection.
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// openBrowser opens the default browser with the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}
