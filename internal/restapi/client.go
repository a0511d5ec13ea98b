// Package restapi talks to the room service's HTTP surface: credential
// issue and room create/lookup. The room session itself only ever sees the
// resulting bearer token and room id.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/watchroom/watchroom/internal/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims mirror what the token service signs into the bearer credential.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns the bearer credential obtained by Login.
func (c *Client) Token() string { return c.token }

// Register creates an account and returns the assigned user id. It does not
// log in; call Login afterwards to obtain the bearer token.
func (c *Client) Register(ctx context.Context, username, password string) (domain.UserID, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/register",
		map[string]string{"username": username, "password": password}, &out)
	if err != nil {
		return "", err
	}
	return domain.UserID(out.UserID), nil
}

// Login obtains and stores the bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/auth/login",
		map[string]string{"username": username, "password": password}, &out)
	if err != nil {
		return "", err
	}
	c.token = out.Token
	return out.Token, nil
}

// CreateRoom creates a room and returns its id.
func (c *Client) CreateRoom(ctx context.Context, name string) (domain.RoomID, error) {
	var out struct {
		RoomID string `json:"room_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/rooms", map[string]string{"name": name}, &out)
	if err != nil {
		return "", err
	}
	return domain.RoomID(out.RoomID), nil
}

type RoomInfo struct {
	ID          string `json:"room_id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// GetRoom looks up a room by id.
func (c *Client) GetRoom(ctx context.Context, id domain.RoomID) (*RoomInfo, error) {
	var out RoomInfo
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+string(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Membership assembles the session's join credentials from the stored
// token. The user identity is read from the token's claims; the signature
// is the server's to verify, not ours.
func (c *Client) Membership(roomID domain.RoomID) (domain.Membership, error) {
	if c.token == "" {
		return domain.Membership{}, ErrUnauthorized
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, &claims); err != nil {
		return domain.Membership{}, fmt.Errorf("parse token claims: %w", err)
	}
	return domain.Membership{
		RoomID:      roomID,
		LocalUserID: domain.UserID(claims.UserID),
		Username:    claims.Username,
		AuthToken:   c.token,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
