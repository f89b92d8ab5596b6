package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lib/pq"

	"github.com/cartograph-io/cartographer/internal/config"
)

// FileStore owns the files and pois tables: the relational catalog of the
// source tree, and the anchor the mark-and-sweep reconciler pivots on.
type FileStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewFileStore creates a FileStore on an established connection.
func NewFileStore(conn *Connection) (*FileStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &FileStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// UpsertFile inserts or refreshes a files row by path, reactivating rows a
// previous sweep had marked. Returns the row id.
func (s *FileStore) UpsertFile(ctx context.Context, record FileRecord) (int64, error) {
	var id int64

	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO files (path, checksum, language, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET
			checksum = EXCLUDED.checksum,
			language = EXCLUDED.language,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id
	`, record.Path, record.Checksum, record.Language, FileActive).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert file %s: %w", record.Path, err)
	}

	return id, nil
}

// FileByPath loads one files row.
func (s *FileStore) FileByPath(ctx context.Context, path string) (*FileRecord, error) {
	var record FileRecord

	err := s.conn.QueryRowContext(ctx, `
		SELECT id, path, checksum, language, status FROM files WHERE path = $1
	`, path).Scan(&record.ID, &record.Path, &record.Checksum, &record.Language, &record.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load file %s: %w", path, err)
	}

	return &record, nil
}

// UpsertPOIs writes the POIs discovered in one file. Stable ids make the
// write idempotent under job redelivery.
func (s *FileStore) UpsertPOIs(ctx context.Context, fileID int64, pois []POIRecord) error {
	if len(pois) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin POI transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	for _, poi := range pois {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pois (id, file_id, name, type, start_line, end_line, hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				file_id = EXCLUDED.file_id,
				start_line = EXCLUDED.start_line,
				end_line = EXCLUDED.end_line,
				hash = EXCLUDED.hash
		`, poi.ID, fileID, poi.Name, poi.Type, poi.StartLine, poi.EndLine, poi.Hash); err != nil {
			return fmt.Errorf("failed to upsert POI %s: %w", poi.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit POI transaction: %w", err)
	}

	return nil
}

// ListFiles returns all files rows, any status.
func (s *FileStore) ListFiles(ctx context.Context) ([]FileRecord, error) {
	return s.listFilesWhere(ctx, "")
}

// ListPendingDeletion returns the rows the mark phase flagged.
func (s *FileStore) ListPendingDeletion(ctx context.Context) ([]FileRecord, error) {
	return s.listFilesWhere(ctx, FilePendingDeletion)
}

func (s *FileStore) listFilesWhere(ctx context.Context, status string) ([]FileRecord, error) {
	query := `SELECT id, path, checksum, language, status FROM files`
	args := []any{}

	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}

	query += ` ORDER BY id`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []FileRecord

	for rows.Next() {
		var record FileRecord
		if err := rows.Scan(&record.ID, &record.Path, &record.Checksum, &record.Language, &record.Status); err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file rows: %w", err)
	}

	return records, nil
}

// MarkPendingDeletion flags a vanished file for the sweep phase. The mark
// phase never touches the graph store.
func (s *FileStore) MarkPendingDeletion(ctx context.Context, id int64) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE files SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, FilePendingDeletion)
	if err != nil {
		return fmt.Errorf("failed to mark file %d for deletion: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read mark result: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrFileNotFound, id)
	}

	return nil
}

// POIIDsForFile returns the stable ids of all POIs anchored to a file.
func (s *FileStore) POIIDsForFile(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id FROM pois WHERE file_id = $1 ORDER BY id
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list POIs for file %d: %w", fileID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan POI id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate POI ids: %w", err)
	}

	return ids, nil
}

// ListActivePOIs returns every POI anchored to an ACTIVE file, with its file
// path. The graph builder merges these as nodes.
func (s *FileStore) ListActivePOIs(ctx context.Context) ([]POIRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT p.id, p.file_id, f.path, p.name, p.type, p.start_line, p.end_line, p.hash
		FROM pois p
		JOIN files f ON f.id = p.file_id
		WHERE f.status = $1
		ORDER BY p.id
	`, FileActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active POIs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []POIRecord

	for rows.Next() {
		var record POIRecord
		if err := rows.Scan(
			&record.ID,
			&record.FileID,
			&record.FilePath,
			&record.Name,
			&record.Type,
			&record.StartLine,
			&record.EndLine,
			&record.Hash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan POI row: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate POI rows: %w", err)
	}

	return records, nil
}

// ListActivePOIsByPaths returns the POIs anchored to ACTIVE files whose path
// is in paths. The graph builder scopes its node inventory to the run's own
// manifest; ACTIVE files from other corpora stay out of the merge.
func (s *FileStore) ListActivePOIsByPaths(ctx context.Context, paths []string) ([]POIRecord, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT p.id, p.file_id, f.path, p.name, p.type, p.start_line, p.end_line, p.hash
		FROM pois p
		JOIN files f ON f.id = p.file_id
		WHERE f.status = $1 AND f.path = ANY($2)
		ORDER BY p.id
	`, FileActive, pq.Array(paths))
	if err != nil {
		return nil, fmt.Errorf("failed to list active POIs by path: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []POIRecord

	for rows.Next() {
		var record POIRecord
		if err := rows.Scan(
			&record.ID,
			&record.FileID,
			&record.FilePath,
			&record.Name,
			&record.Type,
			&record.StartLine,
			&record.EndLine,
			&record.Hash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan POI row: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate POI rows: %w", err)
	}

	return records, nil
}

// DeleteFile removes a files row and, by cascade, its POIs. Called by the
// sweep phase only after the graph store deletion succeeded; the transaction
// ordering is what prevents orphaned graph data.
func (s *FileStore) DeleteFile(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete file %d: %w", id, err)
	}

	return nil
}
