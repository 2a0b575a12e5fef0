package google

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListEvents(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/calendars/team@example.com/events"), r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("singleEvents"))
		assert.Equal(t, "startTime", q.Get("orderBy"))
		assert.Equal(t, "2024-06-03T09:00:00Z", q.Get("timeMin"))
		assert.Equal(t, "2024-06-10T09:00:00Z", q.Get("timeMax"))

		page := calendar.Events{}
		if q.Get("pageToken") == "" {
			page.Items = []*calendar.Event{
				{Id: "a", Status: "confirmed", Summary: "Weekly Standup", Start: &calendar.EventDateTime{Date: "2024-06-10"}},
				{Id: "b", Status: "tentative", Summary: "Lunch", Start: &calendar.EventDateTime{DateTime: "2024-06-04T12:00:00+02:00"}},
			}
			page.NextPageToken = "next"
		} else {
			page.Items = []*calendar.Event{
				{Id: "c", Status: "cancelled", Summary: "Offsite"},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(page))
	}))
	defer srv.Close()

	svc, err := calendar.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	client := NewClientWithService(testLogger(), svc)
	from := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	events, err := client.ListEvents(context.Background(), "team@example.com", from, from.AddDate(0, 0, 7))
	require.NoError(t, err)

	require.Len(t, queries, 2)
	require.Len(t, events, 3)

	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "confirmed", events[0].Status)
	assert.True(t, events[0].AllDay)
	assert.Equal(t, "2024-06-10", events[0].StartDate)

	assert.Equal(t, "tentative", events[1].Status)
	assert.False(t, events[1].AllDay)
	assert.Empty(t, events[1].StartDate)
	assert.True(t, events[1].StartTime.Equal(time.Date(2024, 6, 4, 10, 0, 0, 0, time.UTC)))

	assert.Equal(t, "cancelled", events[2].Status)
	assert.True(t, events[2].StartTime.IsZero())
	assert.Equal(t, "google-team@example.com", events[2].Source)
}

func TestListEventsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404,"message":"Not Found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	svc, err := calendar.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	now := time.Now()
	_, err = NewClientWithService(testLogger(), svc).ListEvents(context.Background(), "missing", now, now)
	assert.ErrorContains(t, err, "failed to retrieve events")
}

const secretsJSON = `{"installed":{"client_id":"id.apps.googleusercontent.com","client_secret":"secret","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`

func TestOAuthConfig(t *testing.T) {
	dir := t.TempDir()

	_, err := OAuthConfig(filepath.Join(dir, "client_secret.json"))
	assert.ErrorIs(t, err, ErrSecretsNotFound)

	path := filepath.Join(dir, "client_secret.json")
	require.NoError(t, os.WriteFile(path, []byte(secretsJSON), 0o600))

	config, err := OAuthConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "id.apps.googleusercontent.com", config.ClientID)
	assert.Equal(t, oobRedirectURL, config.RedirectURL)
	assert.Equal(t, []string{calendar.CalendarReadonlyScope}, config.Scopes)
	assert.Contains(t, AuthCodeURL(config), "access_type=offline")
}

func TestNewClientWithoutCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client_secret.json")
	require.NoError(t, os.WriteFile(path, []byte(secretsJSON), 0o600))

	store := NewFileTokenStore(filepath.Join(dir, "kronosauth.yml"))
	_, err := NewClient(context.Background(), testLogger(), path, store)
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = NewClient(context.Background(), testLogger(), filepath.Join(dir, "nope.json"), store)
	assert.ErrorIs(t, err, ErrSecretsNotFound)
}

func TestFileTokenStore(t *testing.T) {
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "kronosauth.yml"))

	_, err := store.Load(DefaultUserID)
	assert.ErrorIs(t, err, ErrNoCredentials)

	expiry := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(DefaultUserID, &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer", Expiry: expiry}))
	require.NoError(t, store.Save("other", &oauth2.Token{AccessToken: "other"}))

	tok, err := store.Load(DefaultUserID)
	require.NoError(t, err)
	assert.Equal(t, "access", tok.AccessToken)
	assert.Equal(t, "refresh", tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.True(t, tok.Expiry.Equal(expiry))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

type staticSource struct{ tok *oauth2.Token }

func (s staticSource) Token() (*oauth2.Token, error) { return s.tok, nil }

func TestStoringTokenSource(t *testing.T) {
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "kronosauth.yml"))
	initial := &oauth2.Token{AccessToken: "old", RefreshToken: "refresh"}
	require.NoError(t, store.Save(DefaultUserID, initial))

	refreshed := &oauth2.Token{AccessToken: "new", RefreshToken: "refresh"}
	ts := newStoringTokenSource(staticSource{refreshed}, store, DefaultUserID, initial, nil)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "new", tok.AccessToken)

	saved, err := store.Load(DefaultUserID)
	require.NoError(t, err)
	assert.Equal(t, "new", saved.AccessToken)
}
