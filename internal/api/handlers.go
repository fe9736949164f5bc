package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dukepan/dj-rooms-back/internal/auth"
	"github.com/dukepan/dj-rooms-back/internal/contextkey"
	"github.com/dukepan/dj-rooms-back/internal/db"
	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

// SignupRequest represents signup request payload
type SignupRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

// LoginRequest represents login request payload
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse represents auth response
type AuthResponse struct {
	Token     string       `json:"token"`
	User      *models.User `json:"user"`
	ExpiresIn int          `json:"expires_in"`
}

// SignupHandler handles user registration
func (r *Router) SignupHandler(w http.ResponseWriter, req *http.Request) {
	var signupReq SignupRequest
	if err := json.NewDecoder(req.Body).Decode(&signupReq); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(signupReq.Username) < 3 || len(signupReq.Password) < 8 {
		utils.RespondError(w, http.StatusBadRequest, "username must be at least 3 characters and password at least 8")
		return
	}
	if signupReq.DisplayName == "" {
		signupReq.DisplayName = signupReq.Username
	}

	hashedPassword, err := auth.HashPassword(signupReq.Password)
	if err != nil {
		r.logger.Error(req.Context(), "failed to hash password", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to process password")
		return
	}

	user, err := r.store.CreateUser(req.Context(), signupReq.Username, signupReq.DisplayName, hashedPassword)
	if err != nil {
		if errors.Is(err, db.ErrUserExists) {
			utils.RespondError(w, http.StatusConflict, "username already taken")
			return
		}
		r.logger.Error(req.Context(), "failed to create user", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	token, err := r.jwtMgr.GenerateToken(user.ID, user.Username, 24*time.Hour)
	if err != nil {
		r.logger.Error(req.Context(), "failed to generate token", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	r.logger.Info(req.Context(), "user signed up", "user_id", user.ID.String(), "username", user.Username)

	utils.RespondJSON(w, http.StatusCreated, AuthResponse{
		Token:     token,
		User:      user,
		ExpiresIn: 86400,
	})
}

// LoginHandler handles user login
func (r *Router) LoginHandler(w http.ResponseWriter, req *http.Request) {
	var loginReq LoginRequest
	if err := json.NewDecoder(req.Body).Decode(&loginReq); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := r.store.GetUserByUsername(req.Context(), loginReq.Username)
	if err != nil {
		r.logger.Error(req.Context(), "failed to look up user", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if user == nil || !auth.VerifyPassword(user.PasswordHash, loginReq.Password) {
		utils.RespondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := r.jwtMgr.GenerateToken(user.ID, user.Username, 24*time.Hour)
	if err != nil {
		r.logger.Error(req.Context(), "failed to generate token", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	// Best effort, login still succeeds if the timestamp write fails.
	if err := r.store.UpdateUserLastSeen(req.Context(), user.ID); err != nil {
		r.logger.Error(req.Context(), "failed to update last seen", "error", err, "user_id", user.ID.String())
	}

	utils.RespondJSON(w, http.StatusOK, AuthResponse{
		Token:     token,
		User:      user,
		ExpiresIn: 86400,
	})
}

// HealthzHandler returns API health status
func (r *Router) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "database unhealthy")
		return
	}

	if err := r.cache.GetClient().Ping(req.Context()).Err(); err != nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "redis unhealthy")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AuthMiddleware validates the bearer JWT and stores the user ID on the context.
func (r *Router) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		tokenString, err := auth.ExtractTokenFromHeader(req.Header.Get("Authorization"))
		if err != nil {
			utils.RespondError(w, http.StatusUnauthorized, "authorization token required")
			return
		}

		claims, err := r.jwtMgr.ValidateToken(tokenString)
		if err != nil {
			utils.RespondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(req.Context(), contextkey.ContextKeyUserID, claims.UserID)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// getUserIDFromContext is a helper to extract userID from context
func getUserIDFromContext(ctx context.Context) (uuid.UUID, error) {
	userID, ok := ctx.Value(contextkey.ContextKeyUserID).(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}
