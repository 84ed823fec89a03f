package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
)

// FlashSessionName is the cookie carrying flash messages across redirects.
const FlashSessionName = "superset-importer-flash"

// Flash categories.
const (
	FlashSuccess = "success"
	FlashError   = "error"
)

// Flash is a one-shot message shown on the next page load.
type Flash struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// FlashStore keeps flash messages in a signed cookie.
type FlashStore struct {
	store *sessions.CookieStore
}

// NewFlashStore builds a cookie-backed flash store. The secret is SHA-256
// hashed into the signing key; an empty secret yields a random per-process
// key, so messages do not survive a restart.
func NewFlashStore(secret string, cookie CookieSettings) (*FlashStore, error) {
	var key [32]byte
	if secret == "" {
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("generate flash key: %w", err)
		}
	} else {
		key = sha256.Sum256([]byte(secret))
	}

	store := sessions.NewCookieStore(key[:])
	store.Options = &sessions.Options{
		Path:     "/",
		Domain:   cookie.Domain,
		MaxAge:   300,
		HttpOnly: true,
		Secure:   cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &FlashStore{store: store}, nil
}

// Add queues a message for the next request.
func (f *FlashStore) Add(w http.ResponseWriter, r *http.Request, category, message string) error {
	session, err := f.store.Get(r, FlashSessionName)
	if err != nil && session == nil {
		return fmt.Errorf("load flash session: %w", err)
	}
	session.AddFlash(message, category)
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("save flash session: %w", err)
	}
	return nil
}

// Pop returns and clears pending messages, success first.
func (f *FlashStore) Pop(w http.ResponseWriter, r *http.Request) ([]Flash, error) {
	session, err := f.store.Get(r, FlashSessionName)
	if err != nil && session == nil {
		return nil, fmt.Errorf("load flash session: %w", err)
	}

	var flashes []Flash
	for _, category := range []string{FlashSuccess, FlashError} {
		for _, v := range session.Flashes(category) {
			if msg, ok := v.(string); ok {
				flashes = append(flashes, Flash{Category: category, Message: msg})
			}
		}
	}
	if len(flashes) == 0 {
		return nil, nil
	}
	if err := session.Save(r, w); err != nil {
		return flashes, fmt.Errorf("save flash session: %w", err)
	}
	return flashes, nil
}
