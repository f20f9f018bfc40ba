package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xtrntr/market/internal/db"
	"github.com/xtrntr/market/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidInput       = errors.New("invalid username or password")
	ErrUserExists         = db.ErrUserExists
)

// TokenTTL is how long an issued token stays valid
const TokenTTL = 24 * time.Hour

// UserStore persists player accounts
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

var _ UserStore = (*db.DB)(nil)

// Claims identify the player behind a request
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// AuthService handles user authentication
type AuthService struct {
	Users  UserStore
	secret []byte
}

// NewAuthService creates a new auth service signing tokens with secret
func NewAuthService(users UserStore, secret string) *AuthService {
	return &AuthService{Users: users, secret: []byte(secret)}
}

// Register creates a new player with a hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	return s.create(ctx, username, password, false)
}

// CreateAdmin creates an account allowed to moderate the market
func (s *AuthService) CreateAdmin(ctx context.Context, username, password string) (*models.User, error) {
	return s.create(ctx, username, password, true)
}

func (s *AuthService) create(ctx context.Context, username, password string, admin bool) (*models.User, error) {
	// Validate input
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("%w: username too long (max 50 characters)", ErrInvalidInput)
	}
	if len(password) > 72 {
		return nil, fmt.Errorf("%w: password too long (max 72 characters)", ErrInvalidInput)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.Users.CreateUser(ctx, username, string(hashedPassword), admin)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.Users.GetUserByUsername(ctx, username)
	if errors.Is(err, db.ErrUserNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(user)
}

// IssueToken signs a token for user
func (s *AuthService) IssueToken(user *models.User) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   user.ID,
		Username: user.Username,
		Admin:    user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	})
	return token.SignedString(s.secret)
}

// GetUserFromToken validates tokenString and returns its claims
func (s *AuthService) GetUserFromToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// MemoryUsers keeps accounts in process; used when no database is configured
type MemoryUsers struct {
	mu     sync.RWMutex
	byName map[string]*models.User
}

// NewMemoryUsers creates an empty user store
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{byName: make(map[string]*models.User)}
}

func (m *MemoryUsers) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) (*models.User, error) {
	key := strings.ToLower(username)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[key]; ok {
		return nil, ErrUserExists
	}
	u := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now(),
	}
	m.byName[key] = u
	c := *u
	return &c, nil
}

func (m *MemoryUsers) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byName[strings.ToLower(username)]
	if !ok {
		return nil, db.ErrUserNotFound
	}
	c := *u
	return &c, nil
}
