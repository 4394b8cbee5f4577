package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bme-official/withu-mirai/src/logger"
)

// Session identifies one embedded conversation. IntimacyLevel is a display
// value only; the orchestrator forwards it but never branches on it.
type Session struct {
	ID            string
	SiteKey       string
	IntimacyLevel float64
	CreatedAt     time.Time
}

// API creates sessions. The production implementation calls the hosted
// session endpoint; LocalAPI serves development and tests.
type API interface {
	Create(ctx context.Context, siteKey string) (Session, error)
}

// LocalAPI mints sessions locally with random IDs.
type LocalAPI struct {
	// InitialIntimacy seeds the display value for new sessions.
	InitialIntimacy float64
}

// Create returns a fresh session for the site.
func (a *LocalAPI) Create(_ context.Context, siteKey string) (Session, error) {
	s := Session{
		ID:            uuid.NewString(),
		SiteKey:       siteKey,
		IntimacyLevel: a.InitialIntimacy,
		CreatedAt:     time.Now(),
	}
	logger.Info("[Session] Created %s for site %q", s.ID, siteKey)
	return s, nil
}
