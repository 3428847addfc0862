package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/apperrors"
	"github.com/tessella-ai/tessella-engine/pkg/config"
	"github.com/tessella-ai/tessella-engine/pkg/models"
	"github.com/tessella-ai/tessella-engine/pkg/repositories"
)

// SchemaRegistry owns the mapping from (document, sheet) to physical tables,
// column metadata, and dataset profiles. Every downstream stage resolves
// identifiers through it; nothing else in the pipeline touches raw headers.
type SchemaRegistry interface {
	// IngestSheet sanitizes headers, infers column types, materializes a new
	// physical table generation, and registers metadata atomically. A second
	// ingestion for the same document while one is running returns
	// apperrors.ErrIngestionConflict.
	IngestSheet(ctx context.Context, sheet *models.SheetIngested) (*models.TableEntry, error)

	GetTableEntry(ctx context.Context, documentID, sheetName string) (*models.TableEntry, error)
	GetColumns(ctx context.Context, documentID, sheetName string) ([]models.ColumnEntry, error)
	GetProfile(ctx context.Context, documentID, sheetName string) (*models.DatasetProfile, error)

	// GetSheetSummaries returns the routing view of a document's sheets.
	GetSheetSummaries(ctx context.Context, documentID string) ([]models.SheetSummary, error)

	// ResolveSheet picks the sheet a question targets when none is named:
	// the document default if set, else the only sheet, else ErrNotFound.
	ResolveSheet(ctx context.Context, documentID, sheetName string) (string, error)
	SetDefaultSheet(ctx context.Context, documentID, sheetName string) error

	DeleteDocument(ctx context.Context, documentID string) error

	// StartRetirementSweeper drops superseded table generations past their
	// retirement deadline until ctx is canceled.
	StartRetirementSweeper(ctx context.Context)
}

type schemaRegistry struct {
	repo   repositories.RegistryRepository
	cfg    *config.AnalyticsConfig
	logger *zap.Logger

	mu        sync.Mutex
	docLocks  map[string]*sync.Mutex
	sweepOnce sync.Once
}

// NewSchemaRegistry creates a new SchemaRegistry.
func NewSchemaRegistry(repo repositories.RegistryRepository, cfg *config.AnalyticsConfig, logger *zap.Logger) SchemaRegistry {
	return &schemaRegistry{
		repo:     repo,
		cfg:      cfg,
		logger:   logger,
		docLocks: make(map[string]*sync.Mutex),
	}
}

var _ SchemaRegistry = (*schemaRegistry)(nil)

// documentLock returns the per-document ingestion mutex, creating it on first use.
func (s *schemaRegistry) documentLock(documentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.docLocks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.docLocks[documentID] = lock
	}
	return lock
}

func (s *schemaRegistry) IngestSheet(ctx context.Context, sheet *models.SheetIngested) (*models.TableEntry, error) {
	if sheet.DocumentID == "" || sheet.SheetName == "" {
		return nil, fmt.Errorf("ingestion requires document id and sheet name")
	}
	if len(sheet.Columns) == 0 {
		return nil, fmt.Errorf("sheet %q has no columns", sheet.SheetName)
	}

	lock := s.documentLock(sheet.DocumentID)
	if !lock.TryLock() {
		return nil, apperrors.ErrIngestionConflict
	}
	defer lock.Unlock()

	columns, rows, err := s.prepareSheet(sheet)
	if err != nil {
		return nil, err
	}

	profile := ProfileDataset(columns, rows, s.cfg.ProfileSampleValues)
	tableName := newTableName()
	retireAt := time.Now().Add(s.cfg.TableRetirement())

	entry, err := s.repo.RegisterSheet(ctx, tableName, columns, profile, rows, retireAt)
	if err != nil {
		return nil, fmt.Errorf("failed to register sheet %q: %w", sheet.SheetName, err)
	}

	// First sheet of a document becomes its default until someone overrides it.
	if _, err := s.repo.SetDefaultSheetIfAbsent(ctx, sheet.DocumentID, sheet.SheetName); err != nil {
		s.logger.Warn("failed to set initial default sheet",
			zap.String("document_id", sheet.DocumentID),
			zap.String("sheet_name", sheet.SheetName),
			zap.Error(err))
	}

	s.logger.Info("sheet ingested",
		zap.String("document_id", entry.DocumentID),
		zap.String("sheet_name", entry.SheetName),
		zap.String("table_name", entry.TableName),
		zap.Int64("generation", entry.Generation),
		zap.Int64("row_count", entry.RowCount),
		zap.Int("column_count", len(columns)))

	return entry, nil
}

// prepareSheet sanitizes headers, infers types, and coerces every cell to the
// value its physical column stores.
func (s *schemaRegistry) prepareSheet(sheet *models.SheetIngested) ([]models.ColumnEntry, [][]any, error) {
	headers := make([]string, len(sheet.Columns))
	for i, col := range sheet.Columns {
		headers[i] = col.OriginalName
	}
	safeNames := SanitizeHeaders(headers)

	columns := make([]models.ColumnEntry, len(sheet.Columns))
	for i, col := range sheet.Columns {
		t := col.InferredType
		if t == models.TypeUnknown || t == "" {
			values := make([]any, 0, len(sheet.Rows))
			for _, row := range sheet.Rows {
				if i < len(row) {
					values = append(values, row[i])
				}
			}
			t = InferColumnType(values)
		}
		columns[i] = models.ColumnEntry{
			DocumentID:   sheet.DocumentID,
			SheetName:    sheet.SheetName,
			Ordinal:      i,
			OriginalName: col.OriginalName,
			SafeName:     safeNames[i],
			LogicalType:  t,
			PhysicalType: t.PhysicalType(),
			Nullable:     true,
		}
	}

	rows := make([][]any, len(sheet.Rows))
	for ri, raw := range sheet.Rows {
		row := make([]any, len(columns))
		for ci, col := range columns {
			var cell any
			if ci < len(raw) {
				cell = raw[ci]
			}
			coerced, err := CoerceCell(cell, col.LogicalType)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d column %q: %w", ri+1, col.OriginalName, err)
			}
			row[ci] = coerced
		}
		rows[ri] = row
	}
	return columns, rows, nil
}

// newTableName mints a globally unique physical table name. Names are never
// reused, so a stale reader can only ever see its own generation or a missing
// table, never someone else's rows.
func newTableName() string {
	return "dat_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (s *schemaRegistry) GetTableEntry(ctx context.Context, documentID, sheetName string) (*models.TableEntry, error) {
	return s.repo.GetTableEntry(ctx, documentID, sheetName)
}

func (s *schemaRegistry) GetColumns(ctx context.Context, documentID, sheetName string) ([]models.ColumnEntry, error) {
	return s.repo.GetColumns(ctx, documentID, sheetName)
}

func (s *schemaRegistry) GetProfile(ctx context.Context, documentID, sheetName string) (*models.DatasetProfile, error) {
	return s.repo.GetProfile(ctx, documentID, sheetName)
}

func (s *schemaRegistry) GetSheetSummaries(ctx context.Context, documentID string) ([]models.SheetSummary, error) {
	entries, err := s.repo.ListSheets(ctx, documentID)
	if err != nil {
		return nil, err
	}

	defaultSheet, err := s.repo.GetDefaultSheet(ctx, documentID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	summaries := make([]models.SheetSummary, 0, len(entries))
	for _, entry := range entries {
		columns, err := s.repo.GetColumns(ctx, documentID, entry.SheetName)
		if err != nil {
			return nil, fmt.Errorf("failed to load columns for sheet %q: %w", entry.SheetName, err)
		}
		summaries = append(summaries, models.SheetSummary{
			DocumentID: documentID,
			SheetName:  entry.SheetName,
			RowCount:   entry.RowCount,
			IsDefault:  entry.SheetName == defaultSheet,
			Columns:    columns,
		})
	}
	return summaries, nil
}

func (s *schemaRegistry) ResolveSheet(ctx context.Context, documentID, sheetName string) (string, error) {
	if sheetName != "" {
		if _, err := s.repo.GetTableEntry(ctx, documentID, sheetName); err != nil {
			return "", err
		}
		return sheetName, nil
	}

	defaultSheet, err := s.repo.GetDefaultSheet(ctx, documentID)
	if err == nil {
		return defaultSheet, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return "", err
	}

	entries, err := s.repo.ListSheets(ctx, documentID)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 {
		return entries[0].SheetName, nil
	}
	return "", apperrors.ErrNotFound
}

func (s *schemaRegistry) SetDefaultSheet(ctx context.Context, documentID, sheetName string) error {
	return s.repo.SetDefaultSheet(ctx, documentID, sheetName)
}

func (s *schemaRegistry) DeleteDocument(ctx context.Context, documentID string) error {
	lock := s.documentLock(documentID)
	if !lock.TryLock() {
		return apperrors.ErrIngestionConflict
	}
	defer lock.Unlock()

	if err := s.repo.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.logger.Info("document deleted", zap.String("document_id", documentID))
	return nil
}

func (s *schemaRegistry) StartRetirementSweeper(ctx context.Context) {
	s.sweepOnce.Do(func() {
		interval := s.cfg.TableRetirement()
		if interval > time.Minute {
			interval = time.Minute
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					dropped, err := s.repo.SweepRetiredTables(ctx, time.Now())
					if err != nil {
						s.logger.Warn("table retirement sweep failed", zap.Error(err))
						continue
					}
					if dropped > 0 {
						s.logger.Info("retired table generations dropped", zap.Int("count", dropped))
					}
				}
			}
		}()
	})
}
