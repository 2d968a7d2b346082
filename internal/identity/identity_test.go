package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/decoynest/sentinel-engine/internal/config"
	"github.com/decoynest/sentinel-engine/internal/db"
	"github.com/decoynest/sentinel-engine/pkg/models"
)

const testKey = "test-signing-key"

func newEnforced() *Service {
	return NewService(db.NewMemoryStore(), config.AuthModeEnforced, testKey)
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newEnforced()
	ctx := context.Background()

	user, token, err := svc.Register(ctx, "e@x.io", "P@ss1234")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, strings.HasPrefix(user.ID, "user-"))
	assert.Len(t, user.ID, len("user-")+16)
	assert.NotEqual(t, "P@ss1234", user.PasswordHash, "password must never be stored in cleartext")

	_, token2, err := svc.Login(ctx, "e@x.io", "P@ss1234")
	require.NoError(t, err)
	assert.NotEmpty(t, token2)

	_, _, err = svc.Login(ctx, "e@x.io", "wrong-password")
	assert.ErrorIs(t, err, ErrBadCredentials)

	// Unknown email reads the same as a wrong password.
	_, _, err = svc.Login(ctx, "nobody@x.io", "P@ss1234")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := newEnforced()
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "e@x.io", "P@ss1234")
	require.NoError(t, err)

	_, _, err = svc.Register(ctx, "E@X.IO", "OtherPass99")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestVerifyBearer(t *testing.T) {
	svc := newEnforced()

	user, token, err := svc.Register(context.Background(), "e@x.io", "P@ss1234")
	require.NoError(t, err)

	p, err := svc.VerifyBearer(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, p.UserID)
	assert.Equal(t, "e@x.io", p.Email)

	_, err = svc.VerifyBearer("not-a-token")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Token signed with a different key must not verify.
	otherSvc := NewService(db.NewMemoryStore(), config.AuthModeEnforced, "some-other-key")
	forged, err := otherSvc.IssueToken(user)
	require.NoError(t, err)
	_, err = svc.VerifyBearer(forged)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyBearerRejectsExpired(t *testing.T) {
	svc := newEnforced()

	claims := jwt.MapClaims{
		"sub":   "user-deadbeefdeadbeef",
		"email": "e@x.io",
		"iat":   time.Now().Add(-48 * time.Hour).Unix(),
		"exp":   time.Now().Add(-time.Hour).Unix(),
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testKey))
	require.NoError(t, err)

	_, err = svc.VerifyBearer(expired)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestOpenModeUsesDemoPrincipal(t *testing.T) {
	svc := NewService(db.NewMemoryStore(), config.AuthModeOpen, "")
	ctx := context.Background()

	// Any bearer, even an absent one, resolves to the demo user.
	p, err := svc.VerifyBearer("")
	require.NoError(t, err)
	assert.Equal(t, config.DemoUserID, p.UserID)

	_, _, err = svc.Register(ctx, "e@x.io", "P@ss1234")
	assert.ErrorIs(t, err, ErrRegistrationClosed)

	user, token, err := svc.Login(ctx, "anything", "at all")
	require.NoError(t, err)
	assert.Equal(t, config.DemoUserID, user.ID)
	assert.NotEmpty(t, token)
}

func TestMintNodeKey(t *testing.T) {
	svc := newEnforced()

	cleartext, verifier, err := svc.MintNodeKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cleartext, "nk_"))
	// 128 bits, base64url without padding.
	assert.Len(t, cleartext, len("nk_")+22)
	assert.NotContains(t, verifier, cleartext, "verifier must not embed the secret")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(verifier), []byte(cleartext)))

	again, _, err := svc.MintNodeKey()
	require.NoError(t, err)
	assert.NotEqual(t, cleartext, again)
}

func TestVerifyNodeCredential(t *testing.T) {
	store := db.NewMemoryStore()
	svc := NewService(store, config.AuthModeEnforced, testKey)
	ctx := context.Background()

	key, hash, err := svc.MintNodeKey()
	require.NoError(t, err)
	require.NoError(t, store.CreateNode(ctx, &models.Node{
		ID: "node-1", UserID: "user-1", Name: "n1", Status: models.NodeStatusActive, KeyHash: hash,
	}))

	node, err := svc.VerifyNodeCredential(ctx, "node-1", key)
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.ID)

	_, err = svc.VerifyNodeCredential(ctx, "node-1", "nk_wrong")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = svc.VerifyNodeCredential(ctx, "node-missing", key)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	require.NoError(t, store.UpdateNodeStatus(ctx, "node-1", models.NodeStatusInactive))
	_, err = svc.VerifyNodeCredential(ctx, "node-1", key)
	assert.ErrorIs(t, err, ErrNodeInactive)

	// A caller without the key learns nothing about the node's status.
	_, err = svc.VerifyNodeCredential(ctx, "node-1", "nk_wrong")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestOpenModeSkipsKeyCheck(t *testing.T) {
	store := db.NewMemoryStore()
	svc := NewService(store, config.AuthModeOpen, "")
	ctx := context.Background()

	require.NoError(t, store.CreateNode(ctx, &models.Node{
		ID: "node-1", UserID: "user-1", Status: models.NodeStatusActive, KeyHash: "whatever",
	}))

	node, err := svc.VerifyNodeCredential(ctx, "node-1", "")
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.ID)

	// Inactive still blocks ingest even without credential enforcement.
	require.NoError(t, store.UpdateNodeStatus(ctx, "node-1", models.NodeStatusInactive))
	_, err = svc.VerifyNodeCredential(ctx, "node-1", "")
	assert.ErrorIs(t, err, ErrNodeInactive)
}
