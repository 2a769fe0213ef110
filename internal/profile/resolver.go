package profile

import (
	"crypto/md5"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

var (
	// ErrStoreEmpty means no stored account exists to recover an id from.
	ErrStoreEmpty = errors.New("no stored account to take the player id from")
	// ErrStoreMissingID means the stored account has no usable profile id.
	ErrStoreMissingID = errors.New("stored account has no profile id")
	// ErrNoName means neither a stored account nor a player name is available.
	ErrNoName = errors.New("no stored account and no player name")
)

const (
	remedyStoreEmpty = `The session server answered the join check with no content, so the
player's id is unknown, and reading the id from the credential store
failed as well.

There is a chance that it works if you try it again. Otherwise check
that --credentials points at a launcher accounts file with an account.`

	remedyStoreMissingID = `The session server answered the join check with no content, so the
player's id is unknown.

As a fix, include the profile id in the credentials file; it is then
used as a fallback when the session server request fails. Retrying once
may also work, since the outage is often transient.`
)

// IdentityError means no usable identity could be produced. It ends the
// session that needed it.
type IdentityError struct {
	Err    error
	Remedy string
}

func (e *IdentityError) Error() string {
	if e.Remedy == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + "\n\n" + e.Remedy
}

func (e *IdentityError) Unwrap() error { return e.Err }

// Identity is the profile used to join the upstream server.
type Identity struct {
	Name          string
	ID            uuid.UUID
	AccessToken   string
	Authenticated bool
}

// Offline returns the unauthenticated identity for name, with the id an
// offline-mode server derives for it.
func Offline(name string) Identity {
	return Identity{Name: name, ID: OfflineID(name)}
}

// OfflineID returns the version 3 UUID of "OfflinePlayer:<name>".
func OfflineID(name string) uuid.UUID {
	h := md5.Sum([]byte("OfflinePlayer:" + name))
	h[6] = h[6]&0x0f | 0x30
	h[8] = h[8]&0x3f | 0x80
	return uuid.UUID(h)
}

// Resolver turns the credential store into identities.
type Resolver struct {
	Store  Store
	Logger *slog.Logger
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Resolver) load() (*Credentials, error) {
	if r.Store == nil {
		return nil, nil
	}
	return r.Store.Load()
}

// Resolve returns the stored account when it is complete, or an offline
// identity named after the connecting player.
func (r *Resolver) Resolve(playerName string) (Identity, error) {
	logger := r.logger()
	creds, err := r.load()
	if err != nil {
		logger.Warn("credential store unreadable", "error", err)
	}
	if creds != nil && creds.DisplayName != "" && creds.AccessToken != "" {
		id, err := uuid.Parse(creds.ID)
		if err == nil {
			logger.Info("logged in to account", "name", creds.DisplayName, "id", id)
			return Identity{
				Name:          creds.DisplayName,
				ID:            id,
				AccessToken:   creds.AccessToken,
				Authenticated: true,
			}, nil
		}
		logger.Warn("stored account has no usable id", "name", creds.DisplayName, "error", err)
	}
	if playerName == "" {
		return Identity{}, &IdentityError{Err: ErrNoName}
	}
	logger.Warn("failed to log in, falling back to offline profile", "name", playerName)
	return Offline(playerName), nil
}

// FallbackID returns the stored profile id. The listener calls it when the
// session server confirms a join without returning the player's profile.
func (r *Resolver) FallbackID() (uuid.UUID, error) {
	creds, err := r.load()
	if err != nil {
		r.logger().Warn("credential store unreadable", "error", err)
	}
	if creds == nil {
		return uuid.Nil, &IdentityError{Err: ErrStoreEmpty, Remedy: remedyStoreEmpty}
	}
	if creds.ID == "" {
		return uuid.Nil, &IdentityError{Err: ErrStoreMissingID, Remedy: remedyStoreMissingID}
	}
	id, err := uuid.Parse(creds.ID)
	if err != nil {
		return uuid.Nil, &IdentityError{Err: errors.Join(ErrStoreMissingID, err), Remedy: remedyStoreMissingID}
	}
	return id, nil
}
