// Package store persists the small amount of orchestrator state that
// must survive a restart: the fernet key used to encrypt pairing-code
// history, and that history itself. Everything else (connections,
// sessions, subscriptions) is in-memory only and is rebuilt from
// scratch on every start, the way the teacher's own database package
// persists settings and instances while treating live SSH connections
// as transient.
package store

import (
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fernet/fernet-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Setting is a single key/value row, same shape as the teacher's
// database.Setting, used here to hold the fernet key and any other
// orchestrator-wide scalar the store needs to remember across restarts.
type Setting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// PairingCodeRecord is one issued pairing code. Code is stored
// fernet-encrypted; UsedAt is set the first time VerifyPairingCode
// succeeds against it, enforcing single use.
type PairingCodeRecord struct {
	ID          uint `gorm:"primaryKey;autoIncrement"`
	CodeEnc     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	UsedAt      *time.Time
	Description string
}

// Store wraps a gorm.DB handle plus the fernet key used for its
// encrypted columns.
type Store struct {
	db  *gorm.DB
	key *fernet.Key
}

// Open opens (creating if necessary) the sqlite database at path,
// migrates its schema, and loads or generates the fernet key used to
// encrypt pairing-code values at rest.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}, &PairingCodeRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db}
	key, err := s.loadOrGenerateKey()
	if err != nil {
		return nil, err
	}
	s.key = key
	return s, nil
}

func (s *Store) loadOrGenerateKey() (*fernet.Key, error) {
	var row Setting
	err := s.db.Where("key = ?", "fernet_key").First(&row).Error
	if err == nil {
		return fernet.DecodeKey(row.Value)
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	if err := s.db.Create(&Setting{Key: "fernet_key", Value: k.Encode()}).Error; err != nil {
		return nil, fmt.Errorf("save fernet key: %w", err)
	}
	return &k, nil
}

func (s *Store) encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{s.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid or expired token")
	}
	return string(msg), nil
}

// SavePairingCode persists a freshly issued code, fernet-encrypted.
func (s *Store) SavePairingCode(code, description string, issuedAt, expiresAt time.Time) error {
	enc, err := s.encrypt(code)
	if err != nil {
		return err
	}
	return s.db.Create(&PairingCodeRecord{
		CodeEnc:     enc,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		Description: description,
	}).Error
}

// FindUnusedPairingCode decrypts and scans unused, unexpired codes for a
// match. Pairing codes are short-lived and low-cardinality, so scanning
// the handful of outstanding rows is simpler than indexing ciphertext.
// Every candidate is compared in constant time so a match can't be
// inferred from which comparison returns fastest.
func (s *Store) FindUnusedPairingCode(code string, now time.Time) (*PairingCodeRecord, error) {
	var candidates []PairingCodeRecord
	if err := s.db.Where("used_at IS NULL AND expires_at > ?", now).Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("query pairing codes: %w", err)
	}
	var match *PairingCodeRecord
	for i := range candidates {
		plain, err := s.decrypt(candidates[i].CodeEnc)
		if err != nil {
			continue
		}
		if len(plain) == len(code) && subtle.ConstantTimeCompare([]byte(plain), []byte(code)) == 1 {
			match = &candidates[i]
		}
	}
	return match, nil
}

// MarkPairingCodeUsed records the single-use invalidation.
func (s *Store) MarkPairingCodeUsed(id uint, usedAt time.Time) error {
	return s.db.Model(&PairingCodeRecord{}).Where("id = ?", id).Update("used_at", usedAt).Error
}

// PurgeExpiredPairingCodes deletes pairing codes that expired before
// cutoff, whether or not they were ever used. Called by the janitor's
// periodic sweep.
func (s *Store) PurgeExpiredPairingCodes(cutoff time.Time) (int64, error) {
	result := s.db.Where("expires_at < ?", cutoff).Delete(&PairingCodeRecord{})
	return result.RowsAffected, result.Error
}

// DB exposes the underlying handle for packages (internal/audit) that
// need their own tables in the same database file.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying sqlite handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
