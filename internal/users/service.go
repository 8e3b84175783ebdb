package users

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUsernameTaken indicates the requested username already belongs to an account.
	ErrUsernameTaken = errors.New("users: username already taken")
	// ErrEmailTaken indicates the requested email already belongs to an account.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidUsername indicates the username is empty, too long, or carries forbidden characters.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrInvalidCredentials indicates a failed username/password check.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrUserNotFound indicates the referenced account does not exist.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrUserDeactivated indicates the account exists but has been deactivated.
	ErrUserDeactivated = errors.New("users: user deactivated")

	noOpLogger = zap.NewNop()

	// Usernames become the local part of a remote identity handle, so the
	// charset is the intersection both sides accept.
	usernamePattern = regexp.MustCompile(`^[a-z0-9._=/-]{1,64}$`)
)

const (
	opRegister      = "users.register"
	opAuthenticate  = "users.authenticate"
	opGetUser       = "users.get_user"
	opGetByUsername = "users.get_by_username"
	opDeactivate    = "users.deactivate"
	opTouchLastSeen = "users.touch_last_seen"

	queryUserID   = "user_id = ?"
	queryUsername = "username = ?"

	defaultHomeserver = "localhost"
	defaultBcryptCost = 12
	maxPasswordBytes  = 72
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues globally unique identifiers for new accounts.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required by the account service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	// Homeserver is the domain appended to remote identity handles.
	Homeserver string
	// BcryptCost overrides the hashing work factor. Tests lower it to
	// bcrypt.MinCost to avoid the ~250ms per-hash overhead.
	BcryptCost int
}

// Service manages account registration, credential checks and deactivation.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	homeserver string
	bcryptCost int
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError("users.service.new", "missing_database", errors.New("database handle is required"))
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError("users.service.new", "missing_id_provider", errors.New("id provider is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	homeserver := strings.TrimSpace(cfg.Homeserver)
	if homeserver == "" {
		homeserver = defaultHomeserver
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = defaultBcryptCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, newServiceError("users.service.new", "invalid_bcrypt_cost", fmt.Errorf("cost %d outside [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost))
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		homeserver: homeserver,
		bcryptCost: cost,
	}, nil
}

// RegisterInput describes a new account. Anonymous accounts carry no
// credentials; their username is generated when left empty.
type RegisterInput struct {
	Username    string
	Email       string
	Password    string
	IsAnonymous bool
}

// Register creates an account with a unique username, hashes the credential
// for non-anonymous accounts, and derives the remote identity handle.
func (s *Service) Register(ctx context.Context, input RegisterInput) (User, error) {
	userID, err := s.idProvider.NewID()
	if err != nil {
		return User{}, newServiceError(opRegister, "id_generation_failed", err)
	}

	username := strings.ToLower(strings.TrimSpace(input.Username))
	if input.IsAnonymous && username == "" {
		username = "anon_" + userID
	}
	if !usernamePattern.MatchString(username) {
		return User{}, newServiceError(opRegister, "username_invalid", ErrInvalidUsername)
	}

	var digest *string
	if !input.IsAnonymous {
		if len(input.Password) > maxPasswordBytes {
			return User{}, newServiceError(opRegister, "password_too_long", ErrInvalidCredentials)
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.bcryptCost)
		if err != nil {
			return User{}, newServiceError(opRegister, "credential_hash_failed", err)
		}
		value := string(hashed)
		digest = &value
	}

	account := User{
		UserID:           userID,
		Username:         username,
		CredentialDigest: digest,
		RemoteIdentity:   fmt.Sprintf("@%s:%s", username, s.homeserver),
		IsAnonymous:      input.IsAnonymous,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if email := strings.TrimSpace(input.Email); email != "" {
		account.Email = &email
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where(queryUsername, username).Count(&count).Error; err != nil {
			return newServiceError(opRegister, "username_lookup_failed", err)
		}
		if count > 0 {
			return newServiceError(opRegister, "username_taken", ErrUsernameTaken)
		}
		if account.Email != nil {
			if err := tx.Model(&User{}).Where("email = ?", *account.Email).Count(&count).Error; err != nil {
				return newServiceError(opRegister, "email_lookup_failed", err)
			}
			if count > 0 {
				return newServiceError(opRegister, "email_taken", ErrEmailTaken)
			}
		}
		if err := tx.Create(&account).Error; err != nil {
			return newServiceError(opRegister, "user_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opRegister, txErr, zap.String("username", username))
		return User{}, txErr
	}
	return account, nil
}

// Authenticate checks credentials for a non-anonymous account and touches its
// last-seen timestamp. Anonymous accounts authenticate with an empty password.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	account, err := s.GetByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, newServiceError(opAuthenticate, "unknown_username", ErrInvalidCredentials)
	}
	if err != nil {
		return User{}, err
	}
	if account.IsDeactivated {
		return User{}, newServiceError(opAuthenticate, "deactivated", ErrUserDeactivated)
	}

	if !account.IsAnonymous {
		if account.CredentialDigest == nil {
			return User{}, newServiceError(opAuthenticate, "missing_digest", ErrInvalidCredentials)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(*account.CredentialDigest), []byte(password)); err != nil {
			return User{}, newServiceError(opAuthenticate, "password_mismatch", ErrInvalidCredentials)
		}
	}

	if err := s.TouchLastSeen(ctx, account.UserID); err != nil {
		s.logError(opAuthenticate, err, zap.String("user_id", account.UserID))
	}
	return account, nil
}

// GetUser loads an account by its canonical identifier.
func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	var account User
	err := s.db.WithContext(ctx).Where(queryUserID, userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, newServiceError(opGetUser, "missing", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opGetUser, err, zap.String("user_id", userID))
		return User{}, newServiceError(opGetUser, "query_failed", err)
	}
	return account, nil
}

// GetByUsername loads an account by username.
func (s *Service) GetByUsername(ctx context.Context, username string) (User, error) {
	var account User
	err := s.db.WithContext(ctx).
		Where(queryUsername, strings.ToLower(strings.TrimSpace(username))).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, newServiceError(opGetByUsername, "missing", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opGetByUsername, err, zap.String("username", username))
		return User{}, newServiceError(opGetByUsername, "query_failed", err)
	}
	return account, nil
}

// Deactivate flags the account as deactivated and clears its credential.
// The row is kept so existing entries still resolve their author.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryUserID, userID).
			Take(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeactivate, "missing", ErrUserNotFound)
		}
		if err != nil {
			return newServiceError(opDeactivate, "query_failed", err)
		}
		account.IsDeactivated = true
		account.CredentialDigest = nil
		if err := tx.Save(&account).Error; err != nil {
			return newServiceError(opDeactivate, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opDeactivate, txErr, zap.String("user_id", userID))
	}
	return txErr
}

// TouchLastSeen records account activity.
func (s *Service) TouchLastSeen(ctx context.Context, userID string) error {
	now := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where(queryUserID, userID).
		Update("last_seen_at_s", now)
	if result.Error != nil {
		return newServiceError(opTouchLastSeen, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opTouchLastSeen, "missing", ErrUserNotFound)
	}
	return nil
}

func (s *Service) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation)}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	logger.Error("user service error", attrs...)
}
