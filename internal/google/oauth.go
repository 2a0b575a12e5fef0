package google

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

const (
	// DefaultSecretsFile is the OAuth client secrets file downloaded from the
	// Google Cloud console.
	DefaultSecretsFile = "client_secret.json"

	// DefaultUserID is the key under which the credential is stored.
	DefaultUserID = "default"

	oobRedirectURL = "urn:ietf:wg:oauth:2.0:oob"
)

var (
	// ErrSecretsNotFound is returned when the client secrets file is missing.
	ErrSecretsNotFound = errors.New("unable to access the secrets file")
	// ErrNoCredentials is returned when no credential has been stored yet.
	ErrNoCredentials = errors.New("no stored credentials, run the 'auth' command first")
)

// OAuthConfig reads the client secrets file and returns an OAuth2 config for
// read-only calendar access.
func OAuthConfig(secretsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(secretsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSecretsNotFound, secretsFile)
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = oobRedirectURL // For desktop app flow
	return config, nil
}

// AuthCodeURL returns the URL the user visits to authorize access.
func AuthCodeURL(config *oauth2.Config) string {
	return config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
}

// ExchangeAndStore exchanges an authorization code for a token and stores it
// for userID.
func ExchangeAndStore(ctx context.Context, config *oauth2.Config, store *FileTokenStore, userID, authCode string) (*oauth2.Token, error) {
	token, err := config.Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	if err := store.Save(userID, token); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	return token, nil
}

// storingTokenSource writes refreshed tokens back to the store so the next
// run starts from the latest access token.
type storingTokenSource struct {
	mu     sync.Mutex
	base   oauth2.TokenSource
	store  *FileTokenStore
	userID string
	last   string
	onErr  func(error)
}

func newStoringTokenSource(base oauth2.TokenSource, store *FileTokenStore, userID string, initial *oauth2.Token, onErr func(error)) *storingTokenSource {
	return &storingTokenSource{
		base:   base,
		store:  store,
		userID: userID,
		last:   initial.AccessToken,
		onErr:  onErr,
	}
}

func (s *storingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.store.Save(s.userID, tok); err != nil && s.onErr != nil {
			s.onErr(err)
		}
	}
	return tok, nil
}
