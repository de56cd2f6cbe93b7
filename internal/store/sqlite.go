package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the bundled ExtensionStore backed by a single-file
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the extension database under dataDir with WAL
// journaling enabled and runs any pending migrations.
func Open(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "ironpbx.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("extension store opened", "path", dbPath)
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate applies all pending SQL migration files in filename order.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

const extensionColumns = `number, display_name, password_hash, ha1_md5, ha1_sha256,
	voicemail_pin_hash, permissions, allow_external, mailbox_id, notify_email, created_at, updated_at`

// Get returns the extension with the given number.
func (s *SQLiteStore) Get(ctx context.Context, number string) (*Extension, error) {
	ext, err := scanExtension(s.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE number = ?`, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("extension %s: %w", number, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying extension %s: %w", number, err)
	}
	return ext, nil
}

// List returns all extensions ordered by number.
func (s *SQLiteStore) List(ctx context.Context) ([]Extension, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("querying extensions: %w", err)
	}
	defer rows.Close()

	var exts []Extension
	for rows.Next() {
		ext, err := scanExtension(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning extension row: %w", err)
		}
		exts = append(exts, *ext)
	}
	return exts, rows.Err()
}

// Create inserts a new extension.
func (s *SQLiteStore) Create(ctx context.Context, ext *Extension) error {
	perms, err := json.Marshal(ext.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extensions (number, display_name, password_hash, ha1_md5, ha1_sha256,
		 voicemail_pin_hash, permissions, allow_external, mailbox_id, notify_email, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		ext.Number, ext.DisplayName, ext.PasswordHash, ext.HA1MD5, ext.HA1SHA256,
		ext.PINHash, string(perms), ext.AllowExternal, ext.MailboxID, ext.NotifyEmail,
	)
	if err != nil {
		return fmt.Errorf("inserting extension %s: %w", ext.Number, err)
	}
	return nil
}

// Update modifies an existing extension, keyed by number.
func (s *SQLiteStore) Update(ctx context.Context, ext *Extension) error {
	perms, err := json.Marshal(ext.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE extensions SET display_name = ?, password_hash = ?, ha1_md5 = ?,
		 ha1_sha256 = ?, voicemail_pin_hash = ?, permissions = ?, allow_external = ?,
		 mailbox_id = ?, notify_email = ?, updated_at = datetime('now')
		 WHERE number = ?`,
		ext.DisplayName, ext.PasswordHash, ext.HA1MD5, ext.HA1SHA256,
		ext.PINHash, string(perms), ext.AllowExternal, ext.MailboxID, ext.NotifyEmail, ext.Number,
	)
	if err != nil {
		return fmt.Errorf("updating extension %s: %w", ext.Number, err)
	}
	return nil
}

// Delete removes an extension by number.
func (s *SQLiteStore) Delete(ctx context.Context, number string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM extensions WHERE number = ?`, number)
	if err != nil {
		return fmt.Errorf("deleting extension %s: %w", number, err)
	}
	return nil
}

// Count returns the number of stored extensions.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extensions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting extensions: %w", err)
	}
	return n, nil
}

// Provision is one extension as written in the provisioning file, with
// plaintext credentials. Ensure hashes them before insert; the plaintext
// is never stored.
type Provision struct {
	Number        string      `json:"number"`
	DisplayName   string      `json:"display_name"`
	Password      string      `json:"password"`
	VoicemailPIN  string      `json:"voicemail_pin"`
	Permissions   Permissions `json:"permissions"`
	AllowExternal bool        `json:"allow_external"`
	Mailbox       bool        `json:"mailbox"`
	NotifyEmail   string      `json:"notify_email"`
}

// Ensure inserts any provisioned extensions that do not yet exist.
// Existing records are left untouched so credential changes made through
// other channels survive restarts. The realm goes into the A1 digest
// hashes and must match the realm the SIP layer challenges with.
func (s *SQLiteStore) Ensure(ctx context.Context, realm string, provs []Provision) error {
	for _, p := range provs {
		_, err := s.Get(ctx, p.Number)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		passHash, err := HashPassword(p.Password)
		if err != nil {
			return fmt.Errorf("hashing password for %s: %w", p.Number, err)
		}
		var pinHash string
		if p.VoicemailPIN != "" {
			pinHash, err = HashPassword(p.VoicemailPIN)
			if err != nil {
				return fmt.Errorf("hashing voicemail pin for %s: %w", p.Number, err)
			}
		}

		ext := &Extension{
			Number:        p.Number,
			DisplayName:   p.DisplayName,
			PasswordHash:  passHash,
			HA1MD5:        DigestHA1MD5(p.Number, realm, p.Password),
			HA1SHA256:     DigestHA1SHA256(p.Number, realm, p.Password),
			PINHash:       pinHash,
			Permissions:   p.Permissions,
			AllowExternal: p.AllowExternal,
			NotifyEmail:   p.NotifyEmail,
		}
		if p.Mailbox {
			ext.MailboxID = p.Number
		}

		if err := s.Create(ctx, ext); err != nil {
			return err
		}
		slog.Info("provisioned extension",
			"number", p.Number,
			"mailbox", p.Mailbox,
		)
	}
	return nil
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExtension(row rowScanner) (*Extension, error) {
	var (
		ext   Extension
		perms string
	)
	err := row.Scan(&ext.Number, &ext.DisplayName, &ext.PasswordHash, &ext.HA1MD5,
		&ext.HA1SHA256, &ext.PINHash, &perms, &ext.AllowExternal, &ext.MailboxID,
		&ext.NotifyEmail, &ext.CreatedAt, &ext.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if perms != "" {
		if err := json.Unmarshal([]byte(perms), &ext.Permissions); err != nil {
			return nil, fmt.Errorf("decoding permissions: %w", err)
		}
	}
	return &ext, nil
}
