package google

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// DefaultTokenStore is the credential cache file.
const DefaultTokenStore = "kronosauth.yml"

// storedToken is the on-disk form of an oauth2.Token.
type storedToken struct {
	AccessToken  string    `yaml:"access_token"`
	TokenType    string    `yaml:"token_type,omitempty"`
	RefreshToken string    `yaml:"refresh_token,omitempty"`
	Expiry       time.Time `yaml:"expiry,omitempty"`
}

// FileTokenStore keeps OAuth tokens in a YAML file keyed by user id.
type FileTokenStore struct {
	path string
}

// NewFileTokenStore returns a store backed by path. The file is created on
// the first Save.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// Path returns the file backing the store.
func (s *FileTokenStore) Path() string {
	return s.path
}

// Load returns the token stored for userID, or ErrNoCredentials.
func (s *FileTokenStore) Load(userID string) (*oauth2.Token, error) {
	tokens, err := s.read()
	if err != nil {
		return nil, err
	}
	st, ok := tokens[userID]
	if !ok || (st.AccessToken == "" && st.RefreshToken == "") {
		return nil, ErrNoCredentials
	}
	return &oauth2.Token{
		AccessToken:  st.AccessToken,
		TokenType:    st.TokenType,
		RefreshToken: st.RefreshToken,
		Expiry:       st.Expiry,
	}, nil
}

// Save stores token for userID, keeping the tokens of other users.
func (s *FileTokenStore) Save(userID string, token *oauth2.Token) error {
	tokens, err := s.read()
	if err != nil {
		return err
	}
	tokens[userID] = storedToken{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}

	data, err := yaml.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	// Write to a temp file in the same directory, then rename over the store.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".kronosauth-*.tmp")
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileTokenStore) read() (map[string]storedToken, error) {
	tokens := make(map[string]storedToken)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return tokens, nil
		}
		return nil, fmt.Errorf("unable to read token store: %w", err)
	}
	if err := yaml.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("unable to parse token store %s: %w", s.path, err)
	}
	if tokens == nil {
		tokens = make(map[string]storedToken)
	}
	return tokens, nil
}
