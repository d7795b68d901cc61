package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/models"
	"github.com/pixelforge/backend/internal/repository"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	tokenTTL          = 24 * time.Hour
	minPasswordLength = 8
)

var (
	// ErrDuplicateEmail is returned when registering with an email that already exists.
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
)

type Users interface {
	Create(ctx context.Context, tx pgx.Tx, u *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

type Service interface {
	Register(ctx context.Context, email, password string) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type service struct {
	db          ledger.TxBeginner
	users       Users
	ledger      ledger.Service
	secret      []byte
	signupBonus int
}

// NewService wires identity to the ledger so a signup bonus lands with its
// own purchase entry.
func NewService(db ledger.TxBeginner, users Users, led ledger.Service, secret string, signupBonus int) *service {
	return &service{db: db, users: users, ledger: led, secret: []byte(secret), signupBonus: signupBonus}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) Register(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	u := &models.User{Email: email, PasswordHash: string(hash), Plan: models.PlanFree}
	if err := s.users.Create(ctx, tx, u); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	var bonus *models.Transaction
	if s.signupBonus > 0 {
		bonus, err = s.ledger.Credit(ctx, tx, u.ID, s.signupBonus, models.TransactionPurchase, models.ActionRef{}, "signup bonus")
		if err != nil {
			return nil, fmt.Errorf("signup bonus: %w", err)
		}
		u.Credits = bonus.BalanceAfter
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	ledger.RecordCommitted(bonus)
	return u, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	u, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	role := RoleUser
	if u.IsAdmin {
		role = RoleAdmin
	}
	return s.issueToken(u.ID, role)
}

func (s *service) issueToken(userID uuid.UUID, role string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, "", err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, c.Role, nil
}
