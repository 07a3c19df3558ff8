package events

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/secrets"
	"github.com/rangeops/rangehub/internal/users"
)

// UserDirectory is the slice of the user store confirmation needs.
type UserDirectory interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	PandasUsernameExists(ctx context.Context, username string) (bool, error)
	SetPasswordHash(ctx context.Context, userID int64, hash string) error
	SetPandasCredentials(ctx context.Context, userID int64, username, encPassword string) error
}

// SyncQueue accepts downstream credential changes. Satisfied by
// *identity.Store.
type SyncQueue interface {
	QueueSync(ctx context.Context, userID int64, username string, encPassword *string, op domain.SyncOperation) error
}

// Dispatcher fires workflow trigger events. Satisfied by
// *dispatch.Dispatcher.
type Dispatcher interface {
	Trigger(ctx context.Context, triggerEvent string, userID int64, vars map[string]string, force bool) (int, error)
}

// Confirmer handles the invitation confirmation flow: flip the
// participation, mint range credentials, queue the downstream sync, and
// send the confirmation email.
type Confirmer struct {
	store      *Store
	users      UserDirectory
	sync       SyncQueue
	codec      *secrets.Codec
	dispatcher Dispatcher
	loginURL   string
}

// NewConfirmer wires the confirmation flow.
func NewConfirmer(store *Store, dir UserDirectory, sync SyncQueue, codec *secrets.Codec, dispatcher Dispatcher, loginURL string) *Confirmer {
	return &Confirmer{
		store:      store,
		users:      dir,
		sync:       sync,
		codec:      codec,
		dispatcher: dispatcher,
		loginURL:   loginURL,
	}
}

// Confirm resolves a confirmation code and provisions the participant.
// Confirming an already-confirmed participation returns it unchanged:
// credentials are minted exactly once per participant.
func (c *Confirmer) Confirm(ctx context.Context, code string) (*domain.EventParticipation, error) {
	p, err := c.store.GetByConfirmationCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("confirmation code: %w", domain.ErrNotFound)
	}
	if p.Status == domain.ParticipationConfirmed {
		return p, nil
	}

	user, err := c.users.GetByID(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %d: %w", p.UserID, domain.ErrNotFound)
	}

	username, err := c.resolveUsername(ctx, user)
	if err != nil {
		return nil, err
	}

	password, err := users.GeneratePassword()
	if err != nil {
		return nil, fmt.Errorf("generate credential: %w", err)
	}
	hash, err := users.HashPassword(password)
	if err != nil {
		return nil, err
	}
	enc, err := c.codec.Encrypt(password)
	if err != nil {
		return nil, err
	}

	// Credentials land before the status flips. A crash in between leaves
	// the row invited and the next attempt re-mints them; the sync queue
	// upsert absorbs the repeat.
	if err := c.users.SetPasswordHash(ctx, user.ID, hash); err != nil {
		return nil, err
	}
	if err := c.users.SetPandasCredentials(ctx, user.ID, username, enc); err != nil {
		return nil, err
	}
	if err := c.sync.QueueSync(ctx, user.ID, username, &enc, domain.SyncCreate); err != nil {
		return nil, err
	}

	confirmed, err := c.markConfirmed(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	vars := map[string]string{
		"login_url": c.loginURL,
		"username":  username,
	}
	if _, err := c.dispatcher.Trigger(ctx, "user_confirmed", user.ID, vars, false); err != nil {
		// The participant is confirmed either way; the email is best-effort.
		log.Printf("[Confirm] user_confirmed trigger for user %d failed: %v", user.ID, err)
	}

	log.Printf("[Confirm] Participation %d confirmed for user %d (event %d)",
		confirmed.ID, confirmed.UserID, confirmed.EventID)
	return confirmed, nil
}

// resolveUsername reuses an existing downstream username or derives a
// fresh one, suffixing until it is free ("jdoe", "jdoe2", "jdoe3", ...).
func (c *Confirmer) resolveUsername(ctx context.Context, user *domain.User) (string, error) {
	if user.PandasUsername != nil && *user.PandasUsername != "" {
		return *user.PandasUsername, nil
	}

	base := users.DeriveUsername(user.DisplayName, user.Email)
	candidate := base
	for i := 2; ; i++ {
		taken, err := c.users.PandasUsernameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		if i > 50 {
			return "", fmt.Errorf("no free username near %q", base)
		}
		candidate = base + strconv.Itoa(i)
	}
}

func (c *Confirmer) markConfirmed(ctx context.Context, participationID int64) (*domain.EventParticipation, error) {
	query := fmt.Sprintf(`
		UPDATE event_participations
		SET status = 'confirmed', confirmed_at = $2
		WHERE id = $1
		RETURNING %s`, participationColumns)
	p, err := scanParticipation(c.store.db.QueryRowContext(ctx, query, participationID, c.store.now()))
	if err != nil {
		return nil, fmt.Errorf("mark confirmed: %w", err)
	}
	return p, nil
}
