package manager

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vantage6/vantage6/pkg/storage"
	"github.com/vantage6/vantage6/pkg/types"
)

// Client types carried in the vantage6_client_type claim.
const (
	ClientTypeNode      = "node"
	ClientTypeContainer = "container"
)

// Token lifetimes. Container tokens match the access lifetime; a long run
// re-requests through the node proxy when needed.
const (
	accessTokenTTL  = 6 * time.Hour
	refreshTokenTTL = 48 * time.Hour
)

var (
	// ErrTaskFinished rejects container tokens for tasks that already
	// completed; maps to 400.
	ErrTaskFinished = errors.New("task is already finished")
	// ErrNotAllowed covers the authorization failures of the container
	// token flow; maps to 401.
	ErrNotAllowed = errors.New("not allowed")
	// ErrInvalidToken is returned for tokens that fail signature or claim
	// validation.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the JWT payload for node and container tokens.
type Claims struct {
	ClientType      string          `json:"vantage6_client_type"`
	TokenUse        string          `json:"token_use,omitempty"` // access or refresh
	NodeID          int             `json:"node_id,omitempty"`
	OrganizationID  int             `json:"organization_id,omitempty"`
	CollaborationID int             `json:"collaboration_id,omitempty"`
	StudyID         int             `json:"study_id,omitempty"`
	StoreID         int             `json:"store_id,omitempty"`
	SessionID       int             `json:"session_id,omitempty"`
	TaskID          int             `json:"task_id,omitempty"`
	Image           string          `json:"image,omitempty"`
	Databases       [][]types.DBRef `json:"databases,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager mints and validates the coordinator's JWTs.
type TokenManager struct {
	secret []byte
}

// NewTokenManager creates a token manager. An empty secret gets a random
// one, which invalidates outstanding tokens across restarts; production
// deployments configure a stable secret.
func NewTokenManager(secret []byte) *TokenManager {
	if len(secret) == 0 {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("failed to generate jwt secret: %v", err))
		}
		secret = []byte(hex.EncodeToString(buf))
	}
	return &TokenManager{secret: secret}
}

func (tm *TokenManager) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// IssueNodeTokens returns an access and a refresh token for an
// authenticated node.
func (tm *TokenManager) IssueNodeTokens(node *types.Node) (access, refresh string, err error) {
	now := time.Now()
	base := Claims{
		ClientType:      ClientTypeNode,
		NodeID:          node.ID,
		OrganizationID:  node.OrganizationID,
		CollaborationID: node.CollaborationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("node:%d", node.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
	}

	accessClaims := base
	accessClaims.TokenUse = "access"
	if access, err = tm.sign(&accessClaims); err != nil {
		return "", "", err
	}

	refreshClaims := base
	refreshClaims.TokenUse = "refresh"
	refreshClaims.ExpiresAt = jwt.NewNumericDate(now.Add(refreshTokenTTL))
	if refresh, err = tm.sign(&refreshClaims); err != nil {
		return "", "", err
	}

	return access, refresh, nil
}

// Parse validates signature and expiry and returns the claims.
func (tm *TokenManager) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseAccess validates an access token of the given client type.
func (tm *TokenManager) ParseAccess(tokenString, clientType string) (*Claims, error) {
	claims, err := tm.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse == "refresh" {
		return nil, fmt.Errorf("%w: refresh token used as access token", ErrInvalidToken)
	}
	if clientType != "" && claims.ClientType != clientType {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, clientType)
	}
	return claims, nil
}

// Refresh exchanges a valid refresh token for a new access token.
func (tm *TokenManager) Refresh(refreshToken string) (string, error) {
	claims, err := tm.Parse(refreshToken)
	if err != nil {
		return "", err
	}
	if claims.TokenUse != "refresh" {
		return "", fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}

	now := time.Now()
	accessClaims := *claims
	accessClaims.TokenUse = "access"
	accessClaims.IssuedAt = jwt.NewNumericDate(now)
	accessClaims.ExpiresAt = jwt.NewNumericDate(now.Add(accessTokenTTL))
	return tm.sign(&accessClaims)
}

// AuthenticateNode exchanges an API key for node tokens and marks the node
// seen.
func (m *Manager) AuthenticateNode(apiKey string) (*types.Node, string, string, error) {
	node, err := m.store.GetNodeByAPIKey(apiKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", "", fmt.Errorf("%w: unknown api key", ErrNotAllowed)
		}
		return nil, "", "", err
	}

	access, refresh, err := m.tokens.IssueNodeTokens(node)
	if err != nil {
		return nil, "", "", err
	}

	node.LastSeen = time.Now()
	if err := m.UpdateNode(node); err != nil {
		return nil, "", "", err
	}

	return node, access, refresh, nil
}

// IssueContainerToken validates a node's request for a container token and
// mints one. Only central-compute tasks may spawn children, the node must
// sit in the task's collaboration, the task must still be running, and the
// claimed image must match when the collaboration restricts sessions to a
// single image.
func (m *Manager) IssueContainerToken(nodeClaims *Claims, taskID int, image string) (string, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return "", err
	}

	if nodeClaims.CollaborationID != task.CollaborationID {
		return "", fmt.Errorf("%w: node is not part of the task's collaboration", ErrNotAllowed)
	}

	if task.Action != types.StepCentralCompute {
		return "", fmt.Errorf("%w: task is not a central compute task", ErrNotAllowed)
	}

	collab, err := m.store.GetCollaboration(task.CollaborationID)
	if err != nil {
		return "", err
	}
	if collab.SessionRestrictSameImage && image != task.Image {
		return "", fmt.Errorf("%w: image does not match the task image", ErrNotAllowed)
	}

	runs, err := m.store.ListRunsByTask(taskID)
	if err != nil {
		return "", err
	}
	if types.RollUpStatus(runs).IsFinished() {
		return "", ErrTaskFinished
	}

	now := time.Now()
	claims := &Claims{
		ClientType:      ClientTypeContainer,
		NodeID:          nodeClaims.NodeID,
		OrganizationID:  nodeClaims.OrganizationID,
		CollaborationID: task.CollaborationID,
		StudyID:         task.StudyID,
		StoreID:         task.AlgorithmStoreID,
		SessionID:       task.SessionID,
		TaskID:          task.ID,
		Image:           image,
		Databases:       task.Databases,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("container:%d", task.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
	}
	return m.tokens.sign(claims)
}
