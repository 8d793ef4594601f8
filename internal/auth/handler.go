package auth

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/response"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/utils"
)

// TokenRequest is the body for POST /auth/token.
type TokenRequest struct {
	Key       string `json:"key" binding:"required"`
	Role      string `json:"role" binding:"required"`
	SessionID string `json:"session_id"`
	Subject   string `json:"subject"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token     string `json:"token"`
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
}

// Handler issues relay tokens to holders of the operator key.
type Handler struct {
	keyHash string
	jwt     *JWTService
	logger  *zap.Logger
}

// OperatorKeyHash returns hashed when set, otherwise the bcrypt hash of
// plain. Both empty leaves token issuance disabled.
func OperatorKeyHash(plain, hashed string) (string, error) {
	if hashed != "" || plain == "" {
		return hashed, nil
	}
	return utils.HashKey(plain)
}

// NewHandler creates an auth handler. keyHash is the bcrypt hash of the
// operator key; an empty hash disables token issuance.
func NewHandler(keyHash string, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{keyHash: keyHash, jwt: jwt, logger: logger}
}

// IssueToken handles POST /auth/token.
func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if h.keyHash == "" {
		response.ServiceUnavailable(c, "token issuance disabled")
		return
	}
	if !utils.CheckKey(req.Key, h.keyHash) {
		h.logger.Warn("token request with bad key", zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "invalid key")
		return
	}
	switch req.Role {
	case RoleProducer, RoleListener, RoleOperator:
	default:
		response.BadRequest(c, "invalid role")
		return
	}
	subject := req.Subject
	if subject == "" {
		subject = req.Role
	}
	token, err := h.jwt.Generate(subject, req.SessionID, req.Role)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.Created(c, TokenResponse{Token: token, Role: req.Role, SessionID: req.SessionID})
}
