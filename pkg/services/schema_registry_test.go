package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tessella-ai/tessella-engine/pkg/apperrors"
	"github.com/tessella-ai/tessella-engine/pkg/models"
	"github.com/tessella-ai/tessella-engine/pkg/repositories"
)

// mockRegistryRepository captures RegisterSheet arguments and lets tests block
// inside the call to exercise the per-document ingestion lock.
type mockRegistryRepository struct {
	repositories.RegistryRepository

	mu              sync.Mutex
	registeredName  string
	registeredCols  []models.ColumnEntry
	registeredRows  [][]any
	registerBlock   chan struct{} // when set, RegisterSheet waits until closed
	registerStarted chan struct{} // when set, closed once RegisterSheet begins

	defaultSet      bool
	entries         map[string]*models.TableEntry
	defaultSheet    string
	listResult      []models.TableEntry
	deletedDocument string
}

func (m *mockRegistryRepository) RegisterSheet(ctx context.Context, tableName string, columns []models.ColumnEntry, profile *models.DatasetProfile, rows [][]any, retireAt time.Time) (*models.TableEntry, error) {
	if m.registerStarted != nil {
		close(m.registerStarted)
	}
	if m.registerBlock != nil {
		<-m.registerBlock
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.registeredName = tableName
	m.registeredCols = columns
	m.registeredRows = rows
	return &models.TableEntry{
		DocumentID: columns[0].DocumentID,
		SheetName:  columns[0].SheetName,
		TableName:  tableName,
		Generation: 1,
		RowCount:   int64(len(rows)),
	}, nil
}

func (m *mockRegistryRepository) SetDefaultSheetIfAbsent(ctx context.Context, documentID, sheetName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultSet = true
	return true, nil
}

func (m *mockRegistryRepository) GetTableEntry(ctx context.Context, documentID, sheetName string) (*models.TableEntry, error) {
	if entry, ok := m.entries[sheetName]; ok {
		return entry, nil
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockRegistryRepository) GetDefaultSheet(ctx context.Context, documentID string) (string, error) {
	if m.defaultSheet == "" {
		return "", apperrors.ErrNotFound
	}
	return m.defaultSheet, nil
}

func (m *mockRegistryRepository) ListSheets(ctx context.Context, documentID string) ([]models.TableEntry, error) {
	return m.listResult, nil
}

func (m *mockRegistryRepository) DeleteDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedDocument = documentID
	return nil
}

func newTestRegistry(repo repositories.RegistryRepository) SchemaRegistry {
	return NewSchemaRegistry(repo, testAnalyticsConfig(), zap.NewNop())
}

func TestSchemaRegistryIngestSheet(t *testing.T) {
	repo := &mockRegistryRepository{}
	registry := newTestRegistry(repo)

	entry, err := registry.IngestSheet(context.Background(), &models.SheetIngested{
		DocumentID: "doc-1",
		SheetName:  "Sales",
		Columns: []models.IngestedColumn{
			{OriginalName: "Region"},
			{OriginalName: "Units Sold"},
			{OriginalName: "Order Date"},
		},
		Rows: [][]any{
			{"East", "10", "2024-01-05"},
			{"West", "25", "2024-01-06"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.True(t, strings.HasPrefix(repo.registeredName, "dat_"))
	assert.Len(t, repo.registeredName, len("dat_")+32)

	require.Len(t, repo.registeredCols, 3)
	assert.Equal(t, "region", repo.registeredCols[0].SafeName)
	assert.Equal(t, models.TypeString, repo.registeredCols[0].LogicalType)
	assert.Equal(t, "units_sold", repo.registeredCols[1].SafeName)
	assert.Equal(t, models.TypeInteger, repo.registeredCols[1].LogicalType)
	assert.Equal(t, models.TypeDate, repo.registeredCols[2].LogicalType)

	// Cells arrive coerced to the physical column types.
	require.Len(t, repo.registeredRows, 2)
	assert.Equal(t, int64(10), repo.registeredRows[0][1])
	assert.IsType(t, time.Time{}, repo.registeredRows[0][2])

	assert.True(t, repo.defaultSet, "first sheet should become the document default")
}

func TestSchemaRegistryIngestConflict(t *testing.T) {
	repo := &mockRegistryRepository{
		registerBlock:   make(chan struct{}),
		registerStarted: make(chan struct{}),
	}
	registry := newTestRegistry(repo)

	sheet := &models.SheetIngested{
		DocumentID: "doc-1",
		SheetName:  "Sales",
		Columns:    []models.IngestedColumn{{OriginalName: "Region"}},
		Rows:       [][]any{{"East"}},
	}

	done := make(chan error, 1)
	go func() {
		_, err := registry.IngestSheet(context.Background(), sheet)
		done <- err
	}()

	<-repo.registerStarted
	_, err := registry.IngestSheet(context.Background(), sheet)
	assert.ErrorIs(t, err, apperrors.ErrIngestionConflict)

	close(repo.registerBlock)
	require.NoError(t, <-done)
}

func TestSchemaRegistryIngestValidation(t *testing.T) {
	registry := newTestRegistry(&mockRegistryRepository{})

	_, err := registry.IngestSheet(context.Background(), &models.SheetIngested{
		DocumentID: "doc-1",
		SheetName:  "Empty",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns")

	_, err = registry.IngestSheet(context.Background(), &models.SheetIngested{
		SheetName: "Sales",
		Columns:   []models.IngestedColumn{{OriginalName: "Region"}},
	})
	require.Error(t, err)
}

func TestSchemaRegistryResolveSheet(t *testing.T) {
	entry := &models.TableEntry{DocumentID: "doc-1", SheetName: "Sales", TableName: "dat_abc"}

	t.Run("explicit sheet verified", func(t *testing.T) {
		repo := &mockRegistryRepository{entries: map[string]*models.TableEntry{"Sales": entry}}
		registry := newTestRegistry(repo)

		name, err := registry.ResolveSheet(context.Background(), "doc-1", "Sales")
		require.NoError(t, err)
		assert.Equal(t, "Sales", name)

		_, err = registry.ResolveSheet(context.Background(), "doc-1", "Missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("default sheet wins when unnamed", func(t *testing.T) {
		repo := &mockRegistryRepository{defaultSheet: "Inventory"}
		registry := newTestRegistry(repo)

		name, err := registry.ResolveSheet(context.Background(), "doc-1", "")
		require.NoError(t, err)
		assert.Equal(t, "Inventory", name)
	})

	t.Run("sole sheet wins without default", func(t *testing.T) {
		repo := &mockRegistryRepository{listResult: []models.TableEntry{*entry}}
		registry := newTestRegistry(repo)

		name, err := registry.ResolveSheet(context.Background(), "doc-1", "")
		require.NoError(t, err)
		assert.Equal(t, "Sales", name)
	})

	t.Run("ambiguous without default", func(t *testing.T) {
		repo := &mockRegistryRepository{listResult: []models.TableEntry{
			{SheetName: "Sales"}, {SheetName: "Inventory"},
		}}
		registry := newTestRegistry(repo)

		_, err := registry.ResolveSheet(context.Background(), "doc-1", "")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestSchemaRegistryDeleteDocument(t *testing.T) {
	repo := &mockRegistryRepository{}
	registry := newTestRegistry(repo)

	require.NoError(t, registry.DeleteDocument(context.Background(), "doc-1"))
	assert.Equal(t, "doc-1", repo.deletedDocument)
}
