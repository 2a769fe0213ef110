// Package session talks to the Minecraft session service: the client-side
// join call made before entering an online-mode server, and the server-side
// hasJoined check that confirms a connecting player.
package session

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is the public session service.
const DefaultBaseURL = "https://sessionserver.mojang.com"

// ErrNoProfile is returned by HasJoined when the service confirms the request
// but returns no profile (HTTP 204). During service outages this happens for
// players who did join.
var ErrNoProfile = errors.New("session service returned no profile")

// Profile is the profile returned by a successful hasJoined check.
type Profile struct {
	ID   uuid.UUID
	Name string
}

// Client calls the session service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL, or the public service when empty.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type joinRequest struct {
	AccessToken     string `json:"accessToken"`
	SelectedProfile string `json:"selectedProfile"`
	ServerID        string `json:"serverId"`
}

// Join tells the service that the profile is about to join a server whose
// hash is serverHash.
func (c *Client) Join(ctx context.Context, accessToken string, profileID uuid.UUID, serverHash string) error {
	body, _ := json.Marshal(joinRequest{ // simple struct, cannot fail
		AccessToken:     accessToken,
		SelectedProfile: strings.ReplaceAll(profileID.String(), "-", ""),
		ServerID:        serverHash,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/session/minecraft/join", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("join session: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

type hasJoinedResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HasJoined confirms that username announced a join for serverHash. It
// returns ErrNoProfile when the service answers without a profile.
func (c *Client) HasJoined(ctx context.Context, username, serverHash string) (*Profile, error) {
	q := url.Values{"username": {username}, "serverId": {serverHash}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/session/minecraft/hasJoined?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build hasJoined request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hasJoined: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, ErrNoProfile
	default:
		return nil, fmt.Errorf("hasJoined: %s", resp.Status)
	}

	var out hasJoinedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return nil, fmt.Errorf("hasJoined: decode profile: %w", err)
	}
	id, err := uuid.Parse(out.ID)
	if err != nil {
		return nil, fmt.Errorf("hasJoined: profile id %q: %w", out.ID, err)
	}
	return &Profile{ID: id, Name: out.Name}, nil
}

// ServerHash returns the server id digest both sides send to the session
// service: the SHA-1 of the server id, shared secret and public key, printed
// as a signed hexadecimal number.
func ServerHash(serverID string, sharedSecret, publicKey []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(sharedSecret)
	h.Write(publicKey)
	sum := h.Sum(nil)

	n := new(big.Int).SetBytes(sum)
	if sum[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(sum)*8)))
	}
	return n.Text(16)
}
