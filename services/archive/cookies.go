package archive

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"trailcast/internal/database"
	"trailcast/models"
)

// ErrNoCookie means the pool has no valid credential to offer.
var ErrNoCookie = errors.New("no valid archive cookie")

// CookieManager rotates archive.org credentials stored in the database.
// Selection is least-recently-used so a burned cookie does not get hammered.
type CookieManager struct {
	store *database.Store
}

func NewCookieManager(store *database.Store) *CookieManager {
	return &CookieManager{store: store}
}

// Current returns the least recently used valid cookie and stamps its use.
func (m *CookieManager) Current(ctx context.Context) (models.ArchiveCookie, error) {
	if m == nil || m.store == nil {
		return models.ArchiveCookie{}, ErrNoCookie
	}
	c, err := m.store.PickOldestValidCookie(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ArchiveCookie{}, ErrNoCookie
	}
	if err != nil {
		return models.ArchiveCookie{}, err
	}
	return c, nil
}

// Add stores a new credential.
func (m *CookieManager) Add(ctx context.Context, cookies, email string) (int64, error) {
	return m.store.InsertCookie(ctx, cookies, email)
}

// Invalidate marks a credential burned; it will not be picked again.
func (m *CookieManager) Invalidate(ctx context.Context, id int64) {
	if err := m.store.MarkCookieInvalid(ctx, id); err != nil {
		log.Printf("[archive] invalidating cookie %d failed: %v", id, err)
	}
}

// List returns all stored credentials with the cookie values redacted.
func (m *CookieManager) List(ctx context.Context) ([]models.ArchiveCookie, error) {
	cookies, err := m.store.ListCookies(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cookies {
		cookies[i].Cookies = "(redacted)"
	}
	return cookies, nil
}
