package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halvorsen/tokenbroker/internal/model"
)

// FileRepo persists model.UserFile. CachedBytes is never written — it is a
// transient field the uploads package fills in only while holding file
// content in memory for the provider's files API.
type FileRepo struct {
	pool *pgxpool.Pool
}

// CreateFile inserts one file row.
func (r *FileRepo) CreateFile(ctx context.Context, f model.UserFile) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_files (id, thread_id, file_name, mime_type, size_bytes, provider_file_id, uploaded_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.ThreadID, f.FileName, f.MIMEType, f.SizeBytes, f.ProviderFileID, f.UploadedAt, f.ExpiresAt)
	if err != nil {
		return fmt.Errorf("persistence: create file: %w", err)
	}
	return nil
}

// FilesForThread returns every file uploaded into a thread, oldest first —
// the set internal/llmcontext.BuildSystemPrompt renders into the files block.
func (r *FileRepo) FilesForThread(ctx context.Context, threadID uuid.UUID) ([]model.UserFile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, thread_id, file_name, mime_type, size_bytes, provider_file_id, uploaded_at, expires_at
		 FROM user_files WHERE thread_id = $1 ORDER BY uploaded_at`, threadID)
	if err != nil {
		return nil, fmt.Errorf("persistence: files for thread: %w", err)
	}
	defer rows.Close()

	var files []model.UserFile
	for rows.Next() {
		var f model.UserFile
		if err := rows.Scan(&f.ID, &f.ThreadID, &f.FileName, &f.MIMEType, &f.SizeBytes, &f.ProviderFileID, &f.UploadedAt, &f.ExpiresAt); err != nil {
			return nil, fmt.Errorf("persistence: scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFileByProviderID looks up a file by its provider-side handle — how
// tools resolve a Files API ID back to the thread-local row that knows its
// MIME type and original filename.
func (r *FileRepo) GetFileByProviderID(ctx context.Context, providerFileID string) (model.UserFile, bool, error) {
	var f model.UserFile
	err := r.pool.QueryRow(ctx,
		`SELECT id, thread_id, file_name, mime_type, size_bytes, provider_file_id, uploaded_at, expires_at
		 FROM user_files WHERE provider_file_id = $1`, providerFileID,
	).Scan(&f.ID, &f.ThreadID, &f.FileName, &f.MIMEType, &f.SizeBytes, &f.ProviderFileID, &f.UploadedAt, &f.ExpiresAt)
	if err == pgx.ErrNoRows {
		return model.UserFile{}, false, nil
	}
	if err != nil {
		return model.UserFile{}, false, fmt.Errorf("persistence: get file by provider id: %w", err)
	}
	return f, true, nil
}

// DeleteExpiredFiles removes rows whose provider-side TTL has passed,
// returning the count removed for logging.
func (r *FileRepo) DeleteExpiredFiles(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_files WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("persistence: delete expired files: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
