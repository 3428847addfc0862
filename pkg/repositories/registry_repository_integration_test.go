package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessella-ai/tessella-engine/pkg/apperrors"
	"github.com/tessella-ai/tessella-engine/pkg/models"
	"github.com/tessella-ai/tessella-engine/pkg/testhelpers"
)

func testColumns(documentID, sheetName string) []models.ColumnEntry {
	return []models.ColumnEntry{
		{DocumentID: documentID, SheetName: sheetName, Ordinal: 0, OriginalName: "Region", SafeName: "region", LogicalType: models.TypeString, PhysicalType: "TEXT", Nullable: true},
		{DocumentID: documentID, SheetName: sheetName, Ordinal: 1, OriginalName: "Units Sold", SafeName: "units_sold", LogicalType: models.TypeInteger, PhysicalType: "BIGINT", Nullable: true},
	}
}

func testProfile(rowCount int64) *models.DatasetProfile {
	return &models.DatasetProfile{
		RowCount: rowCount,
		Columns: map[string]models.ColumnProfile{
			"Region":     {LogicalType: models.TypeString, DistinctCount: 2, SampleValues: []string{"East", "West"}},
			"Units Sold": {LogicalType: models.TypeInteger, DistinctCount: 2, MinValue: int64(5), MaxValue: int64(10)},
		},
	}
}

func newTestTableName() string {
	return "dat_" + uuid.New().String()[:8] + fmt.Sprintf("%d", time.Now().UnixNano()%1000000)
}

func TestRegistryRepositoryRoundTrip(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	repo := NewRegistryRepository(testDB.DB)
	ctx := context.Background()
	documentID := uuid.New().String()

	rows := [][]any{{"West", int64(10)}, {"East", int64(5)}}
	entry, err := repo.RegisterSheet(ctx, newTestTableName(), testColumns(documentID, "Sales"), testProfile(2), rows, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Generation)
	assert.Equal(t, int64(2), entry.RowCount)

	got, err := repo.GetTableEntry(ctx, documentID, "Sales")
	require.NoError(t, err)
	assert.Equal(t, entry.TableName, got.TableName)

	columns, err := repo.GetColumns(ctx, documentID, "Sales")
	require.NoError(t, err)
	require.Len(t, columns, 2)
	assert.Equal(t, "region", columns[0].SafeName)
	assert.Equal(t, models.TypeInteger, columns[1].LogicalType)

	profile, err := repo.GetProfile(ctx, documentID, "Sales")
	require.NoError(t, err)
	assert.Equal(t, int64(2), profile.RowCount)
	assert.Equal(t, []string{"East", "West"}, profile.Columns["Region"].SampleValues)

	// The physical table holds the loaded rows.
	var count int64
	err = testDB.DB.QueryRow(ctx, "SELECT count(*) FROM "+entry.TableName).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRegistryRepositoryGenerationSwap(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	repo := NewRegistryRepository(testDB.DB)
	ctx := context.Background()
	documentID := uuid.New().String()

	first, err := repo.RegisterSheet(ctx, newTestTableName(), testColumns(documentID, "Sales"), testProfile(1), [][]any{{"West", int64(1)}}, time.Now().Add(time.Minute))
	require.NoError(t, err)

	second, err := repo.RegisterSheet(ctx, newTestTableName(), testColumns(documentID, "Sales"), testProfile(3), [][]any{{"West", int64(1)}, {"East", int64(2)}, {"East", int64(3)}}, time.Now().Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, int64(2), second.Generation)
	assert.NotEqual(t, first.TableName, second.TableName)

	// The old physical table stays readable until the sweeper retires it.
	var count int64
	err = testDB.DB.QueryRow(ctx, "SELECT count(*) FROM "+first.TableName).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Sweep with a deadline in the future drops nothing.
	dropped, err := repo.SweepRetiredTables(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, dropped)

	// Past the deadline the old generation goes away.
	dropped, err = repo.SweepRetiredTables(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	err = testDB.DB.QueryRow(ctx, "SELECT count(*) FROM "+first.TableName).Scan(&count)
	assert.Error(t, err)
}

func TestRegistryRepositoryDefaultSheet(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	repo := NewRegistryRepository(testDB.DB)
	ctx := context.Background()
	documentID := uuid.New().String()

	_, err := repo.GetDefaultSheet(ctx, documentID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = repo.RegisterSheet(ctx, newTestTableName(), testColumns(documentID, "Sales"), testProfile(0), nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = repo.RegisterSheet(ctx, newTestTableName(), testColumns(documentID, "Inventory"), testProfile(0), nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	set, err := repo.SetDefaultSheetIfAbsent(ctx, documentID, "Sales")
	require.NoError(t, err)
	assert.True(t, set)

	// A second conditional set is a no-op.
	set, err = repo.SetDefaultSheetIfAbsent(ctx, documentID, "Inventory")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, repo.SetDefaultSheet(ctx, documentID, "Inventory"))
	name, err := repo.GetDefaultSheet(ctx, documentID)
	require.NoError(t, err)
	assert.Equal(t, "Inventory", name)

	// The default must reference a registered sheet.
	err = repo.SetDefaultSheet(ctx, documentID, "Nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRegistryRepositoryDeleteDocument(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	repo := NewRegistryRepository(testDB.DB)
	ctx := context.Background()
	documentID := uuid.New().String()

	entry, err := repo.RegisterSheet(ctx, newTestTableName(), testColumns(documentID, "Sales"), testProfile(1), [][]any{{"West", int64(1)}}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.SetDefaultSheet(ctx, documentID, "Sales"))

	require.NoError(t, repo.DeleteDocument(ctx, documentID))

	_, err = repo.GetTableEntry(ctx, documentID, "Sales")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = repo.GetColumns(ctx, documentID, "Sales")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = repo.GetDefaultSheet(ctx, documentID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	var count int64
	err = testDB.DB.QueryRow(ctx, "SELECT count(*) FROM "+entry.TableName).Scan(&count)
	assert.Error(t, err)
}

func TestRegistryRepositoryListDocumentIDs(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	repo := NewRegistryRepository(testDB.DB)
	ctx := context.Background()
	documentID := uuid.New().String()

	_, err := repo.RegisterSheet(ctx, newTestTableName(), testColumns(documentID, "Sales"), testProfile(0), nil, time.Now().Add(time.Minute))
	require.NoError(t, err)

	ids, err := repo.ListDocumentIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, documentID)
}
