package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tokobase/backend/internal/domain"
	"tokobase/backend/internal/store"
)

// AuthManager issues and validates the bearer tokens that carry tenant,
// store and role context into every request.
type AuthManager struct {
	secret    []byte
	tokenTTL  time.Duration
	userStore UserStore
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context, tenantID string) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type apiClaims struct {
	jwtlib.RegisteredClaims
	TenantID string `json:"tenant_id"`
	StoreID  string `json:"store_id,omitempty"`
	Role     string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	user, err := a.userStore.GetUser(ctx, username)
	if err != nil {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}

	password := user.Password
	// Legacy plain-text credentials are upgraded to bcrypt on first use.
	if !isPasswordHash(password) {
		if password != req.Password {
			return domain.LoginResponse{}, errors.New("invalid credentials")
		}
		if hashed, err := hashPassword(password); err == nil {
			password = hashed
			_ = a.userStore.UpdateUserPassword(ctx, username, hashed)
		}
	} else if !verifyPassword(password, req.Password) {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !user.Active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, user.TenantID, user.StoreID, user.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		TenantID:    user.TenantID,
		StoreID:     user.StoreID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &apiClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if claims.TenantID == "" {
		return domain.Actor{}, errors.New("token missing tenant")
	}
	return domain.Actor{
		UserID:   sub,
		TenantID: claims.TenantID,
		StoreID:  claims.StoreID,
		Role:     claims.Role,
	}, nil
}

func (a *AuthManager) sign(username, tenantID, storeID, role string, expiresAt time.Time) (string, error) {
	claims := apiClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "tokobase",
		},
		TenantID: tenantID,
		StoreID:  storeID,
		Role:     role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// CreateUser provisions an account inside the acting admin's tenant. Roles
// above the actor's own cannot be granted.
func (a *AuthManager) CreateUser(ctx context.Context, actor domain.Actor, req domain.UserCreateRequest) (domain.UserInfo, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 {
		return domain.UserInfo{}, fmt.Errorf("username must be at least 4 characters")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.UserInfo{}, fmt.Errorf("username must not contain spaces")
	}
	if len(strings.TrimSpace(req.Password)) < 8 {
		return domain.UserInfo{}, fmt.Errorf("password must be at least 8 characters")
	}
	role := strings.ToUpper(strings.TrimSpace(req.Role))
	switch role {
	case "":
		role = domain.RoleCashier
	case domain.RoleCashier, domain.RoleManager, domain.RoleAdmin:
	default:
		return domain.UserInfo{}, fmt.Errorf("unknown role %q", req.Role)
	}
	if roleRank(role) > roleRank(actor.Role) {
		return domain.UserInfo{}, fmt.Errorf("cannot grant role %s", role)
	}

	now := time.Now().UTC()
	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserInfo{}, fmt.Errorf("failed to hash password")
	}

	account := domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		TenantID:  actor.TenantID,
		StoreID:   strings.TrimSpace(req.StoreID),
		Role:      role,
		Active:    true,
		CreatedAt: now,
	}
	if err := a.userStore.CreateUser(ctx, account); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.UserInfo{}, fmt.Errorf("username already exists")
		}
		return domain.UserInfo{}, err
	}

	return domain.UserInfo{
		Username:  username,
		Role:      role,
		StoreID:   account.StoreID,
		Active:    true,
		CreatedAt: now,
	}, nil
}

func (a *AuthManager) ListUsers(ctx context.Context, tenantID string) ([]domain.UserInfo, error) {
	users, err := a.userStore.ListUsers(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	result := make([]domain.UserInfo, 0, len(users))
	for _, user := range users {
		result = append(result, domain.UserInfo{
			Username:  user.Username,
			Role:      user.Role,
			StoreID:   user.StoreID,
			Active:    user.Active,
			CreatedAt: user.CreatedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result, nil
}

func roleRank(role string) int {
	switch role {
	case domain.RoleCashier:
		return 1
	case domain.RoleManager:
		return 2
	case domain.RoleAdmin:
		return 3
	case domain.RoleSuperAdmin:
		return 4
	case domain.RolePlatformAdmin:
		return 5
	}
	return 0
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
