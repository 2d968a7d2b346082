// Package identity mints and verifies both credential kinds: user bearer
// tokens for the dashboard API and per-node secrets for agent ingest.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/decoynest/sentinel-engine/internal/config"
	"github.com/decoynest/sentinel-engine/internal/db"
	"github.com/decoynest/sentinel-engine/pkg/models"
)

var (
	ErrEmailTaken         = errors.New("identity: email already registered")
	ErrBadCredentials     = errors.New("identity: invalid email or password")
	ErrUnauthenticated    = errors.New("identity: unauthenticated")
	ErrNodeInactive       = errors.New("identity: node is inactive")
	ErrRegistrationClosed = errors.New("identity: registration disabled in open mode")
)

const tokenTTL = 7 * 24 * time.Hour

// Principal is the authenticated dashboard identity resolved from a bearer
// token. It carries only what the query layer needs for scoping.
type Principal struct {
	UserID string
	Email  string
}

// Service implements both halves of the dual-credential scheme.
type Service struct {
	store      db.Store
	mode       string
	signingKey []byte
}

func NewService(store db.Store, mode, signingKey string) *Service {
	return &Service{store: store, mode: mode, signingKey: []byte(signingKey)}
}

func (s *Service) open() bool { return s.mode == config.AuthModeOpen }

// ───────────────────────── Users ─────────────────────────

// Register creates a user account and returns it with a fresh bearer token.
// In open mode registration is refused; the demo principal is the only
// identity that mode knows about.
func (s *Service) Register(ctx context.Context, email, password string) (*models.User, string, error) {
	if s.open() {
		return nil, "", ErrRegistrationClosed
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("identity: hash password: %w", err)
	}

	user := &models.User{
		ID:           NewUserID(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return nil, "", ErrEmailTaken
		}
		return nil, "", err
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login verifies the password against the stored bcrypt verifier and returns
// a fresh bearer token. Unknown email and wrong password are deliberately
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	if s.open() {
		user := s.demoUser()
		token, err := s.IssueToken(user)
		return user, token, err
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, "", ErrBadCredentials
		}
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrBadCredentials
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// IssueToken signs a 7-day HS256 bearer for the user.
func (s *Service) IssueToken(user *models.User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return token, nil
}

// VerifyBearer validates the token signature and expiry and returns the
// principal it names. In open mode every call resolves to the demo principal
// regardless of the token contents.
func (s *Service) VerifyBearer(tokenString string) (*Principal, error) {
	if s.open() {
		return &Principal{UserID: config.DemoUserID, Email: config.DemoUserEmail}, nil
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthenticated
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthenticated
	}
	email, _ := claims["email"].(string)
	return &Principal{UserID: sub, Email: email}, nil
}

func (s *Service) demoUser() *models.User {
	return &models.User{
		ID:        config.DemoUserID,
		Email:     config.DemoUserEmail,
		CreatedAt: time.Now().UTC(),
	}
}

// ───────────────────────── Node credentials ─────────────────────────

// MintNodeKey generates the per-node secret: 128 random bits, URL-safe,
// prefixed for greppability. Returns the cleartext (shown to the caller
// exactly once) and the bcrypt verifier that gets persisted.
func (s *Service) MintNodeKey() (cleartext, verifier string, err error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("identity: mint node key: %w", err)
	}
	cleartext = "nk_" + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(cleartext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("identity: hash node key: %w", err)
	}
	return cleartext, string(hash), nil
}

// VerifyNodeCredential authenticates an ingest caller. Unknown node and
// wrong key both come back ErrUnauthenticated; ErrNodeInactive is only
// revealed to callers holding a valid key.
func (s *Service) VerifyNodeCredential(ctx context.Context, nodeID, presented string) (*models.Node, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	if !s.open() {
		if bcrypt.CompareHashAndPassword([]byte(node.KeyHash), []byte(presented)) != nil {
			return nil, ErrUnauthenticated
		}
	}
	if node.Status == models.NodeStatusInactive {
		return nil, ErrNodeInactive
	}
	return node, nil
}

// ───────────────────────── Identifiers ─────────────────────────

// NewUserID returns "user-" plus 16 hex characters.
func NewUserID() string { return "user-" + shortHex() }

// NewNodeID returns "node-" plus 16 hex characters. Opaque and URL-safe.
func NewNodeID() string { return "node-" + shortHex() }

func shortHex() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:16]
}
