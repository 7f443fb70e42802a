package devapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("grant_store.unsupported_dialect")

	errEmptyDatabaseURL = errors.New("grant_store.empty_database_url")
	errSQLiteEmptyPath  = errors.New("grant_store.sqlite.empty_path")
	errNoScheme         = errors.New("grant_store.unsupported_no_scheme")
)

// DatabaseGrantStore persists refresh grants using GORM.
type DatabaseGrantStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseGrantStore) Driver() string {
	return store.driverLabel
}

type grantRow struct {
	GrantID       string `gorm:"column:grant_id;primaryKey"`
	UserID        string `gorm:"column:user_id;index;not null"`
	TokenHash     string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix   int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousID    string `gorm:"column:previous_id;not null;default:''"`
}

func (grantRow) TableName() string {
	return "refresh_grants"
}

// NewDatabaseGrantStore opens databaseURL (postgres:// or sqlite://) and
// migrates the grant table.
func NewDatabaseGrantStore(ctx context.Context, databaseURL string) (*DatabaseGrantStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("grant_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("grant_store.open.%s: %w", driverLabel, err)
	}
	if err := gormDB.WithContext(ctx).AutoMigrate(&grantRow{}); err != nil {
		return nil, fmt.Errorf("grant_store.migrate.%s: %w", driverLabel, err)
	}
	return &DatabaseGrantStore{db: gormDB, driverLabel: driverLabel}, nil
}

func (store *DatabaseGrantStore) Issue(ctx context.Context, userID string, expiresAt time.Time, previousID string) (string, string, error) {
	opaque := newOpaqueToken()
	row := grantRow{
		GrantID:     uuid.NewString(),
		UserID:      userID,
		TokenHash:   hashOpaque(opaque),
		ExpiresUnix: expiresAt.Unix(),
		PreviousID:  previousID,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", "", fmt.Errorf("grant_store.issue.%s: %w", store.driverLabel, err)
	}
	return row.GrantID, opaque, nil
}

func (store *DatabaseGrantStore) Validate(ctx context.Context, opaque string, now time.Time) (string, string, error) {
	if strings.TrimSpace(opaque) == "" {
		return "", "", fmt.Errorf("grant_store.validate.%s: %w", store.driverLabel, ErrGrantEmptyToken)
	}
	var row grantRow
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(opaque)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", fmt.Errorf("grant_store.validate.%s: %w", store.driverLabel, ErrGrantNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("grant_store.validate.%s: %w", store.driverLabel, err)
	}
	if row.RevokedAtUnix != 0 {
		return "", "", fmt.Errorf("grant_store.validate.%s: %w", store.driverLabel, ErrGrantRevoked)
	}
	if now.Unix() >= row.ExpiresUnix {
		return "", "", fmt.Errorf("grant_store.validate.%s: %w", store.driverLabel, ErrGrantExpired)
	}
	return row.UserID, row.GrantID, nil
}

func (store *DatabaseGrantStore) Revoke(ctx context.Context, grantID string) error {
	result := store.db.WithContext(ctx).Model(&grantRow{}).
		Where("grant_id = ? AND revoked_at_unix = 0", grantID).
		Update("revoked_at_unix", time.Now().UTC().Unix())
	if result.Error != nil {
		return fmt.Errorf("grant_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		var row grantRow
		findErr := store.db.WithContext(ctx).Where("grant_id = ?", grantID).Take(&row).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("grant_store.revoke.%s: %w", store.driverLabel, ErrGrantNotFound)
		}
		if findErr != nil {
			return fmt.Errorf("grant_store.revoke.%s: %w", store.driverLabel, findErr)
		}
	}
	return nil
}

func (store *DatabaseGrantStore) RevokeUser(ctx context.Context, userID string) error {
	err := store.db.WithContext(ctx).Model(&grantRow{}).
		Where("user_id = ? AND revoked_at_unix = 0", userID).
		Update("revoked_at_unix", time.Now().UTC().Unix()).Error
	if err != nil {
		return fmt.Errorf("grant_store.revoke_user.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("grant_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("grant_store.dialect: %w", errNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := sqliteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("grant_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("grant_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func sqliteDSN(parsed *url.URL) (string, error) {
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
