package persona

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore persists persona metadata in a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the metadata database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "anima.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS personas (
			id               TEXT PRIMARY KEY,
			owner_id         TEXT NOT NULL,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			model_id         TEXT NOT NULL,
			collection_id    TEXT NOT NULL UNIQUE,
			created_at       DATETIME NOT NULL,
			document_count   INTEGER NOT NULL DEFAULT 0,
			chunk_count      INTEGER NOT NULL DEFAULT 0,
			corpus_available INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_personas_owner ON personas(owner_id);

		CREATE TABLE IF NOT EXISTS documents (
			id             TEXT PRIMARY KEY,
			persona_id     TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
			filename       TEXT NOT NULL,
			byte_length    INTEGER NOT NULL,
			status         TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			chunk_count    INTEGER NOT NULL DEFAULT 0,
			created_at     DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_persona ON documents(persona_id);

		CREATE TABLE IF NOT EXISTS ingestions (
			id         TEXT PRIMARY KEY,
			persona_id TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
			status     TEXT NOT NULL,
			files_json TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ingestions_persona ON ingestions(persona_id, created_at);
	`)
	return err
}

// InsertPersona inserts a new persona row.
func (s *SQLiteStore) InsertPersona(ctx context.Context, p *Persona) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (id, owner_id, name, description, model_id, collection_id, created_at, document_count, chunk_count, corpus_available)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, p.Description, p.ModelID, p.CollectionID,
		p.CreatedAt.UTC(), p.DocumentCount, p.ChunkCount, boolToInt(p.CorpusAvailable),
	)
	if err != nil {
		return fmt.Errorf("inserting persona: %w", err)
	}
	return nil
}

// GetPersona returns the persona by id, or ErrNotFound.
func (s *SQLiteStore) GetPersona(ctx context.Context, personaID string) (*Persona, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, model_id, collection_id, created_at, document_count, chunk_count, corpus_available
		FROM personas WHERE id = ?`, personaID)
	return scanPersona(row)
}

// ListPersonas returns all personas owned by ownerID, newest first.
func (s *SQLiteStore) ListPersonas(ctx context.Context, ownerID string) ([]*Persona, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, description, model_id, collection_id, created_at, document_count, chunk_count, corpus_available
		FROM personas WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing personas: %w", err)
	}
	defer rows.Close()

	var personas []*Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

// UpdatePersona writes all mutable persona fields.
func (s *SQLiteStore) UpdatePersona(ctx context.Context, p *Persona) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE personas SET name = ?, description = ?, model_id = ?, document_count = ?, chunk_count = ?, corpus_available = ?
		WHERE id = ?`,
		p.Name, p.Description, p.ModelID, p.DocumentCount, p.ChunkCount, boolToInt(p.CorpusAvailable), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating persona: %w", err)
	}
	return requireRow(result)
}

// DeletePersona removes the persona row; documents and ingestions cascade.
func (s *SQLiteStore) DeletePersona(ctx context.Context, personaID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, personaID)
	if err != nil {
		return fmt.Errorf("deleting persona: %w", err)
	}
	return requireRow(result)
}

// InsertDocument inserts a document row.
func (s *SQLiteStore) InsertDocument(ctx context.Context, d *Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, persona_id, filename, byte_length, status, failure_reason, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.PersonaID, d.Filename, d.ByteLength, string(d.Status), d.FailureReason, d.ChunkCount, d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// UpdateDocument writes the document's status fields.
func (s *SQLiteStore) UpdateDocument(ctx context.Context, d *Document) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, failure_reason = ?, chunk_count = ? WHERE id = ?`,
		string(d.Status), d.FailureReason, d.ChunkCount, d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	return requireRow(result)
}

// ListDocuments returns the persona's documents, oldest first.
func (s *SQLiteStore) ListDocuments(ctx context.Context, personaID string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, persona_id, filename, byte_length, status, failure_reason, chunk_count, created_at
		FROM documents WHERE persona_id = ? ORDER BY created_at, id`, personaID)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var documents []*Document
	for rows.Next() {
		var (
			d      Document
			status string
		)
		if err := rows.Scan(&d.ID, &d.PersonaID, &d.Filename, &d.ByteLength, &status, &d.FailureReason, &d.ChunkCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		d.Status = DocumentStatus(status)
		documents = append(documents, &d)
	}
	return documents, rows.Err()
}

// InsertIngestion inserts an ingestion batch record.
func (s *SQLiteStore) InsertIngestion(ctx context.Context, batch *IngestionBatch) error {
	files, err := json.Marshal(batch.Files)
	if err != nil {
		return fmt.Errorf("marshaling file results: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingestions (id, persona_id, status, files_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		batch.ID, batch.PersonaID, batch.Status, string(files), batch.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting ingestion: %w", err)
	}
	return nil
}

// UpdateIngestion rewrites a batch's status and per-file outcomes.
func (s *SQLiteStore) UpdateIngestion(ctx context.Context, batch *IngestionBatch) error {
	files, err := json.Marshal(batch.Files)
	if err != nil {
		return fmt.Errorf("marshaling file results: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE ingestions SET status = ?, files_json = ? WHERE id = ?`,
		batch.Status, string(files), batch.ID,
	)
	if err != nil {
		return fmt.Errorf("updating ingestion: %w", err)
	}
	return requireRow(result)
}

// GetLatestIngestion returns the persona's most recent batch, or ErrNotFound.
func (s *SQLiteStore) GetLatestIngestion(ctx context.Context, personaID string) (*IngestionBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, persona_id, status, files_json, created_at
		FROM ingestions WHERE persona_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, personaID)

	var (
		batch     IngestionBatch
		filesJSON string
	)
	if err := row.Scan(&batch.ID, &batch.PersonaID, &batch.Status, &filesJSON, &batch.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning ingestion: %w", err)
	}
	if err := json.Unmarshal([]byte(filesJSON), &batch.Files); err != nil {
		return nil, fmt.Errorf("unmarshaling file results: %w", err)
	}
	return &batch, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPersona(row rowScanner) (*Persona, error) {
	var (
		p         Persona
		available int
		createdAt time.Time
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.ModelID,
		&p.CollectionID, &createdAt, &p.DocumentCount, &p.ChunkCount, &available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning persona: %w", err)
	}
	p.CreatedAt = createdAt
	p.CorpusAvailable = available != 0
	return &p, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
