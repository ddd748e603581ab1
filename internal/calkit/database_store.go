package calkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyStoreURL       = errors.New("credential_store.empty_store_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

// DatabaseCredentialStore persists per-user credentials using GORM.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

type credentialRow struct {
	UserID       string `gorm:"column:user_id;primaryKey"`
	UserEmail    string `gorm:"column:user_email;not null;default:''"`
	RefreshToken string `gorm:"column:refresh_token;not null;default:''"`
	ExpiryUnix   int64  `gorm:"column:expiry_date;not null;default:0"`
}

func (credentialRow) TableName() string {
	return "user_credentials"
}

// NewDatabaseCredentialStore constructs a GORM-backed store from a
// sqlite:// or postgres:// URL.
func NewDatabaseCredentialStore(ctx context.Context, storeURL string) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(storeURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyStoreURL)
	}
	dialector, driverLabel, err := resolveDialector(storeURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRow{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Load returns all persisted records keyed by user id.
func (store *DatabaseCredentialStore) Load(ctx context.Context) (map[string]CredentialRecord, error) {
	var rows []credentialRow
	if err := store.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return map[string]CredentialRecord{}, fmt.Errorf("credential_store.load.%s: %w", store.driverLabel, err)
	}
	records := make(map[string]CredentialRecord, len(rows))
	for _, row := range rows {
		records[row.UserID] = CredentialRecord{
			UserID:       row.UserID,
			UserEmail:    row.UserEmail,
			RefreshToken: row.RefreshToken,
			ExpiryUnix:   row.ExpiryUnix,
		}
	}
	return records, nil
}

// Upsert inserts or updates the row for the user. A stored refresh token is
// only replaced when the incoming record carries a non-empty one.
func (store *DatabaseCredentialStore) Upsert(ctx context.Context, record CredentialRecord) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing credentialRow
		findErr := tx.Where("user_id = ?", record.UserID).Take(&existing).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return tx.Create(&credentialRow{
				UserID:       record.UserID,
				UserEmail:    record.UserEmail,
				RefreshToken: record.RefreshToken,
				ExpiryUnix:   record.ExpiryUnix,
			}).Error
		}
		if findErr != nil {
			return findErr
		}
		updates := map[string]any{
			"user_email":  record.UserEmail,
			"expiry_date": record.ExpiryUnix,
		}
		if record.RefreshToken != "" {
			updates["refresh_token"] = record.RefreshToken
		}
		return tx.Model(&credentialRow{}).Where("user_id = ?", record.UserID).Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("credential_store.upsert.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Get returns the record for the user.
func (store *DatabaseCredentialStore) Get(ctx context.Context, userID string) (CredentialRecord, error) {
	var row credentialRow
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CredentialRecord{}, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, ErrMissingCredential)
		}
		return CredentialRecord{}, fmt.Errorf("credential_store.get.%s: %w", store.driverLabel, err)
	}
	return CredentialRecord{
		UserID:       row.UserID,
		UserEmail:    row.UserEmail,
		RefreshToken: row.RefreshToken,
		ExpiryUnix:   row.ExpiryUnix,
	}, nil
}

func resolveDialector(storeURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(storeURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(storeURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
