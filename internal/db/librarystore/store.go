// Package librarystore implements the library store (spec C3 / §4.4):
// UPSERT-by-model-key persistence for Model and ModelFile rows.
package librarystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/forgeserve/forge/internal/domain"
	"github.com/forgeserve/forge/internal/forgeerr"
)

// Store is the single entry point for model registration and lookup. All
// writes go through Upsert; there is no separate Insert/Update pair.
type Store struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB (see internal/db.Open).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert registers or re-registers a model by its ModelKey. On conflict,
// file_path, file_paths_json, download_date, last_update_check, tags and
// capabilities are overwritten by the new values; quantization is
// overwritten only when the new value is non-empty, preserving a
// hand-corrected tag across a re-scan that didn't detect one. Files are
// replaced wholesale (delete+reinsert) since shard layouts aren't edited
// incrementally.
func (s *Store) Upsert(ctx context.Context, m domain.Model, files []domain.ModelFile) (domain.Model, error) {
	if m.ModelKey == "" {
		return domain.Model{}, forgeerr.Validation("MODEL_KEY_REQUIRED", "model key must not be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Model{}, forgeerr.Wrap(forgeerr.KindInternal, "DB_BEGIN_FAILED", "begin transaction", err)
	}
	defer tx.Rollback()

	// Inference defaults ride inside metadata_json; §6.4 gives them no
	// column of their own.
	if m.InferenceDefault != nil {
		if m.Metadata == nil {
			m.Metadata = map[string]string{}
		}
		b, _ := json.Marshal(m.InferenceDefault)
		m.Metadata[inferenceDefaultsKey] = string(b)
	}
	metadataJSON, _ := json.Marshal(m.Metadata)
	tagsJSON, _ := json.Marshal(m.Tags)
	shardPathsJSON, _ := json.Marshal(m.ShardPaths)
	now := domain.Now()
	if m.AddedAt.IsZero() {
		m.AddedAt = now
	}

	var existingID int64
	var existingQuant, existingArch, existingMetaJSON string
	var existingParamB float64
	var existingCtx int
	err = tx.QueryRowContext(ctx, `
		SELECT id, quantization, architecture, param_count_b, context_length, metadata_json
		FROM models WHERE model_key = ?`, m.ModelKey).
		Scan(&existingID, &existingQuant, &existingArch, &existingParamB, &existingCtx, &existingMetaJSON)

	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO models (
				name, file_path, param_count_b, architecture, quantization,
				context_length, metadata_json, added_at, hf_repo_id, hf_commit_sha,
				hf_filename, download_date, last_update_check, tags_json, model_key,
				file_paths_json, capabilities_bits
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			m.Name, m.FilePath, m.ParamCountB, m.Architecture, m.Quantization,
			m.ContextLength, string(metadataJSON), m.AddedAt.Unix(), m.HFRepoID, m.HFRevision,
			m.HFFilename, m.DownloadDate.Unix(), m.LastUpdateCheck.Unix(), string(tagsJSON), m.ModelKey,
			string(shardPathsJSON), uint32(m.Capabilities),
		)
		if err != nil {
			return domain.Model{}, forgeerr.Wrap(forgeerr.KindInternal, "DB_INSERT_FAILED", "insert model", err)
		}
		m.ID, _ = res.LastInsertId()

	case err != nil:
		return domain.Model{}, forgeerr.Wrap(forgeerr.KindInternal, "DB_QUERY_FAILED", "lookup model by key", err)

	default:
		m.ID = existingID
		// Re-registration preserves earlier-set values the new write
		// doesn't carry: quantization only overwrites when non-empty, and
		// metadata_json merges (new keys overlay, earlier keys survive), so
		// a re-download never wipes hand-set tags or inference defaults.
		quant := m.Quantization
		if quant == "" {
			quant = existingQuant
		}
		arch := m.Architecture
		if arch == "" {
			arch = existingArch
		}
		paramB := m.ParamCountB
		if paramB == 0 {
			paramB = existingParamB
		}
		ctxLen := m.ContextLength
		if ctxLen == 0 {
			ctxLen = existingCtx
		}

		merged := map[string]string{}
		_ = json.Unmarshal([]byte(existingMetaJSON), &merged)
		for k, v := range m.Metadata {
			merged[k] = v
		}
		mergedJSON, _ := json.Marshal(merged)

		_, err = tx.ExecContext(ctx, `
			UPDATE models SET
				file_path = ?, file_paths_json = ?, download_date = ?, last_update_check = ?,
				tags_json = ?, capabilities_bits = ?, quantization = ?,
				param_count_b = ?, architecture = ?, context_length = ?, metadata_json = ?
			WHERE id = ?`,
			m.FilePath, string(shardPathsJSON), m.DownloadDate.Unix(), m.LastUpdateCheck.Unix(),
			string(tagsJSON), uint32(m.Capabilities), quant,
			paramB, arch, ctxLen, string(mergedJSON),
			m.ID,
		)
		if err != nil {
			return domain.Model{}, forgeerr.Wrap(forgeerr.KindInternal, "DB_UPDATE_FAILED", "update model", err)
		}
		m.Quantization = quant
		m.Architecture = arch
		m.ParamCountB = paramB
		m.ContextLength = ctxLen
		m.Metadata = merged
		if raw, ok := merged[inferenceDefaultsKey]; ok && m.InferenceDefault == nil {
			var d domain.InferenceDefaults
			if json.Unmarshal([]byte(raw), &d) == nil {
				m.InferenceDefault = &d
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM model_files WHERE model_id = ?`, m.ID); err != nil {
		return domain.Model{}, forgeerr.Wrap(forgeerr.KindInternal, "DB_DELETE_FAILED", "clear model files", err)
	}
	for i := range files {
		files[i].ModelID = m.ID
		_, err := tx.ExecContext(ctx, `
			INSERT INTO model_files (model_id, file_path, file_index, expected_size, hf_oid, last_verified_at)
			VALUES (?,?,?,?,?,?)`,
			files[i].ModelID, files[i].FilePath, files[i].ShardIndex, files[i].ExpectedSize,
			files[i].ContentHash, files[i].LastVerified.Unix(),
		)
		if err != nil {
			return domain.Model{}, forgeerr.Wrap(forgeerr.KindInternal, "DB_INSERT_FAILED", "insert model file", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Model{}, forgeerr.Wrap(forgeerr.KindInternal, "DB_COMMIT_FAILED", "commit upsert", err)
	}
	return m, nil
}

// Get loads a model by id, including its files.
func (s *Store) Get(ctx context.Context, id int64) (domain.Model, error) {
	row := s.db.QueryRowContext(ctx, modelSelectColumns+` WHERE id = ?`, id)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return domain.Model{}, forgeerr.NotFound("MODEL_NOT_FOUND", fmt.Sprintf("model %d not found", id))
	}
	if err != nil {
		return domain.Model{}, forgeerr.Wrap(forgeerr.KindInternal, "DB_QUERY_FAILED", "get model", err)
	}
	return m, nil
}

// GetByKey loads a model by its deduplication key.
func (s *Store) GetByKey(ctx context.Context, key string) (domain.Model, error) {
	row := s.db.QueryRowContext(ctx, modelSelectColumns+` WHERE model_key = ?`, key)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return domain.Model{}, forgeerr.NotFound("MODEL_NOT_FOUND", fmt.Sprintf("model %q not found", key))
	}
	if err != nil {
		return domain.Model{}, forgeerr.Wrap(forgeerr.KindInternal, "DB_QUERY_FAILED", "get model by key", err)
	}
	return m, nil
}

// List returns all registered models, newest first.
func (s *Store) List(ctx context.Context) ([]domain.Model, error) {
	rows, err := s.db.QueryContext(ctx, modelSelectColumns+` ORDER BY added_at DESC`)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "DB_QUERY_FAILED", "list models", err)
	}
	defer rows.Close()

	var out []domain.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.KindInternal, "DB_SCAN_FAILED", "scan model row", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes a model and cascades to its files.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInternal, "DB_DELETE_FAILED", "delete model", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return forgeerr.NotFound("MODEL_NOT_FOUND", fmt.Sprintf("model %d not found", id))
	}
	return nil
}

// ListFiles returns the shard rows for a model, ordered by shard index.
func (s *Store) ListFiles(ctx context.Context, modelID int64) ([]domain.ModelFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model_id, file_path, file_index, expected_size, hf_oid, last_verified_at
		FROM model_files WHERE model_id = ? ORDER BY file_index ASC`, modelID)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.KindInternal, "DB_QUERY_FAILED", "list model files", err)
	}
	defer rows.Close()

	var out []domain.ModelFile
	for rows.Next() {
		var f domain.ModelFile
		var verifiedAt int64
		if err := rows.Scan(&f.ID, &f.ModelID, &f.FilePath, &f.ShardIndex, &f.ExpectedSize, &f.ContentHash, &verifiedAt); err != nil {
			return nil, forgeerr.Wrap(forgeerr.KindInternal, "DB_SCAN_FAILED", "scan model file row", err)
		}
		f.LastVerified = time.Unix(verifiedAt, 0)
		out = append(out, f)
	}
	return out, rows.Err()
}

// VerifyFile records a successful integrity check for one shard.
func (s *Store) VerifyFile(ctx context.Context, fileID int64, hash string, verifiedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE model_files SET hf_oid = ?, last_verified_at = ? WHERE id = ?`,
		hash, verifiedAt.Unix(), fileID)
	if err != nil {
		return forgeerr.Wrap(forgeerr.KindInternal, "DB_UPDATE_FAILED", "verify model file", err)
	}
	return nil
}

// FilterOptions is the aggregate facet data used to build a search UI
// without loading every row.
type FilterOptions struct {
	Quantizations    []string
	MinParamCountB   float64
	MaxParamCountB   float64
	MinContextLength int
	MaxContextLength int
}

// FilterOptions aggregates distinct quantizations and parameter/context
// bounds across the library in a handful of indexed queries.
func (s *Store) FilterOptions(ctx context.Context) (FilterOptions, error) {
	var fo FilterOptions

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT quantization FROM models WHERE quantization != '' ORDER BY quantization`)
	if err != nil {
		return fo, forgeerr.Wrap(forgeerr.KindInternal, "DB_QUERY_FAILED", "distinct quantizations", err)
	}
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			rows.Close()
			return fo, forgeerr.Wrap(forgeerr.KindInternal, "DB_SCAN_FAILED", "scan quantization", err)
		}
		fo.Quantizations = append(fo.Quantizations, q)
	}
	rows.Close()

	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(param_count_b),0), COALESCE(MAX(param_count_b),0),
		       COALESCE(MIN(context_length),0), COALESCE(MAX(context_length),0)
		FROM models`)
	if err := row.Scan(&fo.MinParamCountB, &fo.MaxParamCountB, &fo.MinContextLength, &fo.MaxContextLength); err != nil {
		return fo, forgeerr.Wrap(forgeerr.KindInternal, "DB_QUERY_FAILED", "aggregate filter bounds", err)
	}
	return fo, nil
}

const modelSelectColumns = `
	SELECT id, name, file_path, param_count_b, architecture, quantization,
	       context_length, metadata_json, added_at, hf_repo_id, hf_commit_sha,
	       hf_filename, download_date, last_update_check, tags_json,
	       model_key, file_paths_json, capabilities_bits
	FROM models`

type scanner interface {
	Scan(dest ...any) error
}

func scanModel(row scanner) (domain.Model, error) {
	var m domain.Model
	var metadataJSON, tagsJSON, shardPathsJSON string
	var addedAt, downloadDate, lastUpdateCheck int64
	var capBits uint32

	err := row.Scan(
		&m.ID, &m.Name, &m.FilePath, &m.ParamCountB, &m.Architecture, &m.Quantization,
		&m.ContextLength, &metadataJSON, &addedAt, &m.HFRepoID, &m.HFRevision,
		&m.HFFilename, &downloadDate, &lastUpdateCheck, &tagsJSON,
		&m.ModelKey, &shardPathsJSON, &capBits,
	)
	if err != nil {
		return domain.Model{}, err
	}

	m.AddedAt = time.Unix(addedAt, 0)
	m.DownloadDate = time.Unix(downloadDate, 0)
	m.LastUpdateCheck = time.Unix(lastUpdateCheck, 0)
	m.Capabilities = domain.Capability(capBits)
	_ = json.Unmarshal([]byte(metadataJSON), &m.Metadata)
	_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	_ = json.Unmarshal([]byte(shardPathsJSON), &m.ShardPaths)
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	if raw, ok := m.Metadata[inferenceDefaultsKey]; ok {
		var d domain.InferenceDefaults
		if json.Unmarshal([]byte(raw), &d) == nil {
			m.InferenceDefault = &d
		}
	}
	return m, nil
}

// inferenceDefaultsKey is the metadata_json slot holding per-model spawn
// overrides.
const inferenceDefaultsKey = "inference_defaults"

// DeriveHFModelKey builds the canonical key for a hub-origin artifact.
func DeriveHFModelKey(repo, revision, baseFilename string) string {
	return fmt.Sprintf("hf:%s@%s#%s", repo, revision, baseFilename)
}

// DeriveLocalModelKey builds the canonical key for a local file import.
func DeriveLocalModelKey(pathHash string) string {
	return "local:" + strings.TrimPrefix(pathHash, "local:")
}
