package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when no credential row exists for a connection.
var ErrNotFound = errors.New("credstore: credentials not found")

// AuthType discriminates how a source connection authenticates.
type AuthType string

const (
	// AuthOAuth2 uses a refresh token against the source's token endpoint.
	AuthOAuth2 AuthType = "oauth2"
	// AuthProvider delegates refresh to an external auth provider.
	AuthProvider AuthType = "auth_provider"
	// AuthAPIKey and AuthDirect tokens cannot be refreshed.
	AuthAPIKey AuthType = "api_key"
	AuthDirect AuthType = "direct"
)

// Credentials is the decrypted in-memory view of one connection's secrets.
type Credentials struct {
	ConnectionID string
	SourceShort  string
	AuthType     AuthType

	AccessToken  string
	RefreshToken string

	// OAuth2 refresh parameters.
	TokenURL     string
	ClientID     string
	ClientSecret string

	ExpiresAt time.Time
}

// Refreshable reports whether the token manager may attempt a refresh.
func (c *Credentials) Refreshable() bool {
	switch c.AuthType {
	case AuthOAuth2:
		return c.RefreshToken != "" && c.TokenURL != ""
	case AuthProvider:
		return true
	default:
		return false
	}
}

// IntegrationCredential is the persisted, encrypted row.
type IntegrationCredential struct {
	ID           uint   `gorm:"primaryKey"`
	ConnectionID string `gorm:"uniqueIndex;size:64"`
	SourceShort  string `gorm:"size:64"`
	AuthType     string `gorm:"size:32"`

	AccessTokenEnc  []byte
	RefreshTokenEnc []byte
	ClientSecretEnc []byte

	TokenURL  string `gorm:"size:512"`
	ClientID  string `gorm:"size:256"`
	ExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists integration credentials, encrypting token material at rest.
type Store struct {
	db     *gorm.DB
	cipher *Cipher
}

// NewStore migrates the credential table on an existing gorm handle.
func NewStore(db *gorm.DB, cipher *Cipher) (*Store, error) {
	if err := db.AutoMigrate(&IntegrationCredential{}); err != nil {
		return nil, fmt.Errorf("credstore: migrate: %w", err)
	}
	return &Store{db: db, cipher: cipher}, nil
}

// Get loads and decrypts the credentials of a connection.
func (s *Store) Get(ctx context.Context, connectionID string) (*Credentials, error) {
	var row IntegrationCredential
	err := s.db.WithContext(ctx).Where("connection_id = ?", connectionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: get %s: %w", connectionID, err)
	}
	return s.decrypt(&row)
}

// Save encrypts and upserts the credentials of a connection.
func (s *Store) Save(ctx context.Context, creds *Credentials) error {
	accessEnc, err := s.cipher.Seal([]byte(creds.AccessToken))
	if err != nil {
		return err
	}
	refreshEnc, err := s.cipher.Seal([]byte(creds.RefreshToken))
	if err != nil {
		return err
	}
	secretEnc, err := s.cipher.Seal([]byte(creds.ClientSecret))
	if err != nil {
		return err
	}

	row := IntegrationCredential{
		ConnectionID:    creds.ConnectionID,
		SourceShort:     creds.SourceShort,
		AuthType:        string(creds.AuthType),
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ClientSecretEnc: secretEnc,
		TokenURL:        creds.TokenURL,
		ClientID:        creds.ClientID,
		ExpiresAt:       creds.ExpiresAt,
	}

	var existing IntegrationCredential
	err = s.db.WithContext(ctx).Where("connection_id = ?", creds.ConnectionID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("credstore: create %s: %w", creds.ConnectionID, err)
		}
	case err != nil:
		return fmt.Errorf("credstore: lookup %s: %w", creds.ConnectionID, err)
	default:
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
			return fmt.Errorf("credstore: update %s: %w", creds.ConnectionID, err)
		}
	}
	return nil
}

func (s *Store) decrypt(row *IntegrationCredential) (*Credentials, error) {
	access, err := s.cipher.Open(row.AccessTokenEnc)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Open(row.RefreshTokenEnc)
	if err != nil {
		return nil, err
	}
	secret, err := s.cipher.Open(row.ClientSecretEnc)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		ConnectionID: row.ConnectionID,
		SourceShort:  row.SourceShort,
		AuthType:     AuthType(row.AuthType),
		AccessToken:  string(access),
		RefreshToken: string(refresh),
		TokenURL:     row.TokenURL,
		ClientID:     row.ClientID,
		ClientSecret: string(secret),
		ExpiresAt:    row.ExpiresAt,
	}, nil
}
