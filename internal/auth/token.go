// Package auth reads the backend's credential file and injects the
// current OAuth access token into outgoing requests.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"
)

// OAuthToken is the persisted credential shape. Expires is unix
// milliseconds.
type OAuthToken struct {
	Access  string
	Refresh string
	Expires int64
}

// Expired reports whether the access token is past its expiry.
func (t OAuthToken) Expired(now time.Time) bool {
	return t.Expires <= now.UnixMilli()
}

// Refresher exchanges a refresh token for fresh credentials. The
// browser/OAuth flow lives outside this package.
type Refresher func(ctx context.Context, refreshToken string) (OAuthToken, error)

// FileTokenSource reads credentials from the backend's auth.json. The
// file carries either an oauth record or a plain api key under the
// "anthropic" entry; absence of both is a valid, local-only state.
type FileTokenSource struct {
	path    string
	refresh Refresher

	mu     sync.Mutex
	loaded bool
	apiKey string
	oauth  *OAuthToken
}

func NewFileTokenSource(path string, refresh Refresher) *FileTokenSource {
	return &FileTokenSource{path: path, refresh: refresh}
}

// Token returns the credential for the Authorization header, or
// ok=false when running unauthenticated.
func (s *FileTokenSource) Token(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		s.load()
		s.loaded = true
	}

	if s.apiKey != "" {
		return s.apiKey, true
	}
	if s.oauth == nil {
		return "", false
	}

	if s.oauth.Expired(time.Now()) {
		if s.refresh == nil {
			return "", false
		}
		refreshed, err := s.refresh(ctx, s.oauth.Refresh)
		if err != nil {
			return "", false
		}
		s.oauth = &refreshed
	}
	return s.oauth.Access, true
}

// Reload drops the cached credential so the next Token call re-reads
// the file. Used after the external login flow completes.
func (s *FileTokenSource) Reload() {
	s.mu.Lock()
	s.loaded = false
	s.apiKey = ""
	s.oauth = nil
	s.mu.Unlock()
}

type authRecord struct {
	Type    string `json:"type"`
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Expires int64  `json:"expires"`
	Key     string `json:"key"`
}

func (s *FileTokenSource) load() {
	contents, err := os.ReadFile(s.path)
	if err != nil {
		return
	}

	var file map[string]authRecord
	if err := json.Unmarshal(contents, &file); err != nil {
		return
	}
	record, ok := file["anthropic"]
	if !ok {
		return
	}

	switch record.Type {
	case "api":
		s.apiKey = record.Key
	case "oauth":
		if record.Access != "" {
			s.oauth = &OAuthToken{
				Access:  record.Access,
				Refresh: record.Refresh,
				Expires: record.Expires,
			}
		}
	}
}

// ParseRecord decodes one credential record; exported for the login
// flow that writes the file.
func ParseRecord(raw []byte) (OAuthToken, error) {
	var record authRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return OAuthToken{}, err
	}
	if record.Type != "oauth" || record.Access == "" {
		return OAuthToken{}, errors.New("not an oauth record")
	}
	return OAuthToken{Access: record.Access, Refresh: record.Refresh, Expires: record.Expires}, nil
}
