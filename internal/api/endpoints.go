package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/quictalk/chat-client/internal/protocol"
)

// User is the identity record returned by the auth endpoints and the roster.
type User struct {
	ID         protocol.ID `json:"_id"`
	FullName   string      `json:"fullName"`
	Email      string      `json:"email"`
	ProfilePic string      `json:"profilePic,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupRequest is the body of POST /auth/signup.
type SignupRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ProfileUpdate is the body of PUT /auth/update-profile.
type ProfileUpdate struct {
	ProfilePic string `json:"profilePic"`
}

// SendRequest is the body of POST /messages/send/:userId.
type SendRequest struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// CheckAuth returns the user owning the current session cookie.
func (c *Client) CheckAuth(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, "check", http.MethodGet, "/auth/check", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*User, error) {
	var u User
	if err := c.do(ctx, "login", http.MethodPost, "/auth/login", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Signup creates an account and starts a session. A response without a
// user id is treated as a failure.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (*User, error) {
	var u User
	if err := c.do(ctx, "signup", http.MethodPost, "/auth/signup", req, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, &RequestError{Op: "signup", Status: http.StatusBadGateway, Message: "Invalid response from server"}
	}
	return &u, nil
}

// Logout ends the server session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, "logout", http.MethodPost, "/auth/logout", nil, nil)
}

// UpdateProfile changes the profile picture and returns the updated user.
func (c *Client) UpdateProfile(ctx context.Context, req ProfileUpdate) (*User, error) {
	var u User
	if err := c.do(ctx, "update_profile", http.MethodPut, "/auth/update-profile", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Users returns the roster of users the caller can chat with.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.do(ctx, "users", http.MethodGet, "/messages/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Conversation returns the message history with userID, oldest first.
func (c *Client) Conversation(ctx context.Context, userID string) ([]protocol.MessagePayload, error) {
	var msgs []protocol.MessagePayload
	path := "/messages/conversation/" + url.PathEscape(userID)
	if err := c.do(ctx, "conversation", http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Send persists a message to userID and returns the created message.
func (c *Client) Send(ctx context.Context, userID string, req SendRequest) (protocol.MessagePayload, error) {
	var msg protocol.MessagePayload
	path := "/messages/send/" + url.PathEscape(userID)
	if err := c.do(ctx, "send", http.MethodPost, path, req, &msg); err != nil {
		return protocol.MessagePayload{}, err
	}
	return msg, nil
}
