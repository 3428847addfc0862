package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tessella-ai/tessella-engine/pkg/apperrors"
	"github.com/tessella-ai/tessella-engine/pkg/database"
	"github.com/tessella-ai/tessella-engine/pkg/models"
	safesql "github.com/tessella-ai/tessella-engine/pkg/sql"
)

// RegistryRepository provides data access for the analytics schema registry:
// table entries, column entries, dataset profiles, default sheets, and the
// physical per-sheet tables they describe.
type RegistryRepository interface {
	// RegisterSheet materializes a sheet: creates the new physical table, loads
	// rows, and swaps TableEntry + ColumnEntries + DatasetProfile in a single
	// transaction. The superseded physical table (if any) is queued for
	// retirement at retireAt, never dropped in line. Returns the committed entry.
	RegisterSheet(ctx context.Context, tableName string, columns []models.ColumnEntry, profile *models.DatasetProfile, rows [][]any, retireAt time.Time) (*models.TableEntry, error)

	GetTableEntry(ctx context.Context, documentID, sheetName string) (*models.TableEntry, error)
	GetColumns(ctx context.Context, documentID, sheetName string) ([]models.ColumnEntry, error)
	GetProfile(ctx context.Context, documentID, sheetName string) (*models.DatasetProfile, error)

	GetDefaultSheet(ctx context.Context, documentID string) (string, error)
	SetDefaultSheet(ctx context.Context, documentID, sheetName string) error
	// SetDefaultSheetIfAbsent records sheetName as the default only when the
	// document has none yet. Returns true if the row was written.
	SetDefaultSheetIfAbsent(ctx context.Context, documentID, sheetName string) (bool, error)

	ListSheets(ctx context.Context, documentID string) ([]models.TableEntry, error)
	ListDocumentIDs(ctx context.Context) ([]string, error)

	// DeleteDocument removes all registry metadata for a document and drops its
	// physical tables.
	DeleteDocument(ctx context.Context, documentID string) error

	// SweepRetiredTables drops physical tables whose retirement deadline has
	// passed. Returns the number of tables dropped.
	SweepRetiredTables(ctx context.Context, now time.Time) (int, error)
}

type registryRepository struct {
	db *database.DB
}

// NewRegistryRepository creates a new RegistryRepository backed by the engine database.
func NewRegistryRepository(db *database.DB) RegistryRepository {
	return &registryRepository{db: db}
}

var _ RegistryRepository = (*registryRepository)(nil)

func (r *registryRepository) RegisterSheet(ctx context.Context, tableName string, columns []models.ColumnEntry, profile *models.DatasetProfile, rows [][]any, retireAt time.Time) (*models.TableEntry, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("cannot register sheet without columns")
	}
	documentID := columns[0].DocumentID
	sheetName := columns[0].SheetName

	if !safesql.IsSafeIdentifier(tableName) {
		return nil, fmt.Errorf("table name %q: %w", tableName, safesql.ErrUnsafeIdentifier)
	}
	for _, col := range columns {
		if !safesql.IsSafeIdentifier(col.SafeName) {
			return nil, fmt.Errorf("column %q: %w", col.SafeName, safesql.ErrUnsafeIdentifier)
		}
	}

	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dataset profile: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin registration transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// Lock the current entry (if any) so concurrent registrations of the same
	// sheet serialize at the database even if the in-process lock is bypassed.
	var oldTable string
	var oldGeneration int64
	err = tx.QueryRow(ctx,
		`SELECT table_name, generation FROM sheet_tables
		 WHERE document_id = $1 AND sheet_name = $2 FOR UPDATE`,
		documentID, sheetName,
	).Scan(&oldTable, &oldGeneration)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock table entry: %w", err)
	}

	if err := createPhysicalTable(ctx, tx, tableName, columns); err != nil {
		return nil, err
	}

	if len(rows) > 0 {
		safeNames := make([]string, len(columns))
		for i, col := range columns {
			safeNames[i] = col.SafeName
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{tableName}, safeNames, pgx.CopyFromRows(rows)); err != nil {
			return nil, fmt.Errorf("failed to load sheet rows: %w", err)
		}
	}

	entry := &models.TableEntry{
		DocumentID: documentID,
		SheetName:  sheetName,
		TableName:  tableName,
		Generation: oldGeneration + 1,
		RowCount:   int64(len(rows)),
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO sheet_tables (document_id, sheet_name, table_name, generation, row_count)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (document_id, sheet_name) DO UPDATE SET
		   table_name = EXCLUDED.table_name,
		   generation = EXCLUDED.generation,
		   row_count  = EXCLUDED.row_count,
		   updated_at = now()
		 RETURNING created_at, updated_at`,
		entry.DocumentID, entry.SheetName, entry.TableName, entry.Generation, entry.RowCount,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert table entry: %w", err)
	}

	// Full replace keeps column rows atomic with the table swap.
	if _, err := tx.Exec(ctx,
		`DELETE FROM sheet_columns WHERE document_id = $1 AND sheet_name = $2`,
		documentID, sheetName,
	); err != nil {
		return nil, fmt.Errorf("failed to clear column entries: %w", err)
	}
	for _, col := range columns {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sheet_columns
			   (document_id, sheet_name, ordinal, original_name, safe_name, logical_type, physical_type, nullable)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			col.DocumentID, col.SheetName, col.Ordinal, col.OriginalName,
			col.SafeName, string(col.LogicalType), col.PhysicalType, col.Nullable,
		); err != nil {
			return nil, fmt.Errorf("failed to insert column entry %q: %w", col.SafeName, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO sheet_profiles (document_id, sheet_name, row_count, profile)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (document_id, sheet_name) DO UPDATE SET
		   row_count = EXCLUDED.row_count,
		   profile   = EXCLUDED.profile,
		   updated_at = now()`,
		documentID, sheetName, profile.RowCount, profileJSON,
	); err != nil {
		return nil, fmt.Errorf("failed to upsert dataset profile: %w", err)
	}

	if oldTable != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO retired_tables (table_name, retire_at) VALUES ($1, $2)
			 ON CONFLICT (table_name) DO NOTHING`,
			oldTable, retireAt,
		); err != nil {
			return nil, fmt.Errorf("failed to queue table retirement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit registration: %w", err)
	}

	return entry, nil
}

// createPhysicalTable issues the CREATE TABLE for a sheet's data. Identifiers
// are registry-sanitized before this point; physical types come from the
// closed LogicalType mapping.
func createPhysicalTable(ctx context.Context, tx pgx.Tx, tableName string, columns []models.ColumnEntry) error {
	defs := make([]string, len(columns))
	for i, col := range columns {
		null := ""
		if !col.Nullable {
			null = " NOT NULL"
		}
		defs[i] = fmt.Sprintf("%s %s%s", col.SafeName, col.PhysicalType, null)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", tableName, strings.Join(defs, ", "))
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create physical table %s: %w", tableName, err)
	}
	return nil
}

func (r *registryRepository) GetTableEntry(ctx context.Context, documentID, sheetName string) (*models.TableEntry, error) {
	entry := &models.TableEntry{}
	err := r.db.QueryRow(ctx,
		`SELECT document_id, sheet_name, table_name, generation, row_count, created_at, updated_at
		 FROM sheet_tables WHERE document_id = $1 AND sheet_name = $2`,
		documentID, sheetName,
	).Scan(&entry.DocumentID, &entry.SheetName, &entry.TableName, &entry.Generation,
		&entry.RowCount, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get table entry: %w", err)
	}
	return entry, nil
}

func (r *registryRepository) GetColumns(ctx context.Context, documentID, sheetName string) ([]models.ColumnEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT document_id, sheet_name, ordinal, original_name, safe_name, logical_type, physical_type, nullable
		 FROM sheet_columns
		 WHERE document_id = $1 AND sheet_name = $2
		 ORDER BY ordinal ASC`,
		documentID, sheetName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query column entries: %w", err)
	}
	defer rows.Close()

	var columns []models.ColumnEntry
	for rows.Next() {
		var col models.ColumnEntry
		var logicalType string
		if err := rows.Scan(&col.DocumentID, &col.SheetName, &col.Ordinal, &col.OriginalName,
			&col.SafeName, &logicalType, &col.PhysicalType, &col.Nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column entry: %w", err)
		}
		col.LogicalType = models.LogicalType(logicalType)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column entries: %w", err)
	}
	if len(columns) == 0 {
		return nil, apperrors.ErrNotFound
	}
	return columns, nil
}

func (r *registryRepository) GetProfile(ctx context.Context, documentID, sheetName string) (*models.DatasetProfile, error) {
	var profileJSON []byte
	err := r.db.QueryRow(ctx,
		`SELECT profile FROM sheet_profiles WHERE document_id = $1 AND sheet_name = $2`,
		documentID, sheetName,
	).Scan(&profileJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get dataset profile: %w", err)
	}

	profile := &models.DatasetProfile{}
	if err := json.Unmarshal(profileJSON, profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset profile: %w", err)
	}
	return profile, nil
}

func (r *registryRepository) GetDefaultSheet(ctx context.Context, documentID string) (string, error) {
	var sheetName string
	err := r.db.QueryRow(ctx,
		`SELECT sheet_name FROM document_default_sheet WHERE document_id = $1`,
		documentID,
	).Scan(&sheetName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ErrNotFound
		}
		return "", fmt.Errorf("failed to get default sheet: %w", err)
	}
	return sheetName, nil
}

func (r *registryRepository) SetDefaultSheet(ctx context.Context, documentID, sheetName string) error {
	// The default must point at a registered sheet.
	if _, err := r.GetTableEntry(ctx, documentID, sheetName); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx,
		`INSERT INTO document_default_sheet (document_id, sheet_name)
		 VALUES ($1, $2)
		 ON CONFLICT (document_id) DO UPDATE SET
		   sheet_name = EXCLUDED.sheet_name,
		   updated_at = now()`,
		documentID, sheetName,
	); err != nil {
		return fmt.Errorf("failed to set default sheet: %w", err)
	}
	return nil
}

func (r *registryRepository) SetDefaultSheetIfAbsent(ctx context.Context, documentID, sheetName string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO document_default_sheet (document_id, sheet_name)
		 VALUES ($1, $2)
		 ON CONFLICT (document_id) DO NOTHING`,
		documentID, sheetName,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set initial default sheet: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *registryRepository) ListSheets(ctx context.Context, documentID string) ([]models.TableEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT document_id, sheet_name, table_name, generation, row_count, created_at, updated_at
		 FROM sheet_tables WHERE document_id = $1
		 ORDER BY sheet_name ASC`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sheets: %w", err)
	}
	defer rows.Close()

	var entries []models.TableEntry
	for rows.Next() {
		var entry models.TableEntry
		if err := rows.Scan(&entry.DocumentID, &entry.SheetName, &entry.TableName,
			&entry.Generation, &entry.RowCount, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan table entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table entries: %w", err)
	}
	return entries, nil
}

func (r *registryRepository) ListDocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT document_id FROM sheet_tables ORDER BY document_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list document ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document ids: %w", err)
	}
	return ids, nil
}

func (r *registryRepository) DeleteDocument(ctx context.Context, documentID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT table_name FROM sheet_tables WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to list document tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating document tables: %w", err)
	}

	for _, name := range tables {
		if !safesql.IsSafeIdentifier(name) {
			return fmt.Errorf("table name %q: %w", name, safesql.ErrUnsafeIdentifier)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM document_default_sheet WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete default sheet: %w", err)
	}
	// sheet_columns and sheet_profiles cascade from sheet_tables.
	if _, err := tx.Exec(ctx,
		`DELETE FROM sheet_tables WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete table entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit document delete: %w", err)
	}
	return nil
}

func (r *registryRepository) SweepRetiredTables(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT table_name FROM retired_tables WHERE retire_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list retired tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan retired table: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating retired tables: %w", err)
	}

	dropped := 0
	for _, name := range tables {
		if !safesql.IsSafeIdentifier(name) {
			return dropped, fmt.Errorf("table name %q: %w", name, safesql.ErrUnsafeIdentifier)
		}
		if _, err := r.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
			return dropped, fmt.Errorf("failed to drop retired table %s: %w", name, err)
		}
		if _, err := r.db.Exec(ctx,
			`DELETE FROM retired_tables WHERE table_name = $1`, name); err != nil {
			return dropped, fmt.Errorf("failed to clear retirement row for %s: %w", name, err)
		}
		dropped++
	}
	return dropped, nil
}
