package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/varalys/lore/internal/errs"
)

// LoginTimeout bounds how long Login waits for the browser to complete the
// OAuth handshake and call back into the loopback listener.
const LoginTimeout = 120 * time.Second

const successPage = `<!DOCTYPE html>
<html>
<head>
<title>Lore - Login Successful</title>
<style>
body { font-family: system-ui; max-width: 500px; margin: 100px auto; text-align: center; }
.success { color: #22c55e; font-size: 48px; }
h1 { color: #333; }
p { color: #666; }
</style>
</head>
<body>
<div class="success">&#10003;</div>
<h1>Login Successful!</h1>
<p>You can close this window and return to your terminal.</p>
</body>
</html>`

// AuthURL builds the cloud-side OAuth entry point for a loopback login on
// the given port, tagged with a CSRF state value.
func AuthURL(cloudURL string, port int, state string) string {
	return fmt.Sprintf("%s/auth/cli?port=%d&state=%s", strings.TrimRight(cloudURL, "/"), port, state)
}

// Login starts a loopback HTTP server and returns at once with the URL the
// caller should open in a browser and a channel for the outcome. The
// server runs until the cloud service's OAuth redirect delivers
// credentials to /callback, the context is canceled, or LoginTimeout
// elapses; a callback or a timeout sends one result on the channel. Only the local loopback listener is implemented
// here; the actual OAuth consent page lives on the cloud service.
func Login(ctx context.Context, cloudURL string) (string, <-chan loginResult, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("%w: start local callback listener: %v", errs.IoError, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	state, err := generateState()
	if err != nil {
		listener.Close()
		return "", nil, err
	}

	results := make(chan loginResult, 1)
	mux := http.NewServeMux()
	srv := &http.Server{Handler: mux}

	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		creds, err := parseCallback(r.URL.Query(), state, cloudURL)
		if err != nil {
			log.Debug().Err(err).Msg("oauth callback rejected")
			if strings.Contains(err.Error(), "state mismatch") {
				http.Error(w, "State mismatch - possible CSRF attack", http.StatusForbidden)
			} else {
				http.Error(w, "Invalid callback", http.StatusBadRequest)
			}
			return
		}

		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, successPage)

		select {
		case results <- loginResult{creds: creds}:
		default:
		}
		go func() {
			time.Sleep(100 * time.Millisecond)
			srv.Shutdown(context.Background())
		}()
	})

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case results <- loginResult{err: err}:
			default:
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(LoginTimeout):
			select {
			case results <- loginResult{err: fmt.Errorf("login timed out waiting for browser authentication")}:
			default:
			}
		}
		srv.Shutdown(context.Background())
	}()

	return AuthURL(cloudURL, port, state), results, nil
}

type loginResult struct {
	creds *Credentials
	err   error
}

// Unwrap unpacks the channel value Login produces.
func (r loginResult) Unwrap() (*Credentials, error) { return r.creds, r.err }

func generateState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: generate csrf state: %v", errs.IoError, err)
	}
	return hex.EncodeToString(buf), nil
}

func parseCallback(q url.Values, expectedState, defaultCloudURL string) (*Credentials, error) {
	if q.Get("state") != expectedState {
		return nil, fmt.Errorf("oauth state mismatch - possible csrf attack")
	}
	apiKey := q.Get("key")
	if apiKey == "" {
		return nil, fmt.Errorf("missing api key in callback")
	}
	email := q.Get("email")
	if email == "" {
		return nil, fmt.Errorf("missing email in callback")
	}
	plan := q.Get("plan")
	if plan == "" {
		return nil, fmt.Errorf("missing plan in callback")
	}
	cloudURL := q.Get("url")
	if cloudURL == "" {
		cloudURL = defaultCloudURL
	}
	return &Credentials{APIKey: apiKey, Email: email, Plan: plan, CloudURL: cloudURL}, nil
}
