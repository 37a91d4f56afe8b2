package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
)

func reg(id, name, serial string) models.DeviceRecord {
	return models.DeviceRecord{Service: models.ServiceRegistry, NativeID: id, DisplayName: name, SerialNumber: serial}
}

func mgmt(id, name, serial string) models.DeviceRecord {
	return models.DeviceRecord{Service: models.ServiceManagement, NativeID: id, DisplayName: name, SerialNumber: serial}
}

func dir(id, name, serial string) models.DeviceRecord {
	return models.DeviceRecord{Service: models.ServiceDirectory, NativeID: id, DisplayName: name, SerialNumber: serial}
}

func TestBuild_OneListPerService(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := directory.NewMockClient(ctrl)

	client.EXPECT().ListAll(gomock.Any(), models.ServiceRegistry, "").
		Return([]models.DeviceRecord{reg("z1", "PC-1", "S1")}, nil).Times(1)
	client.EXPECT().ListAll(gomock.Any(), models.ServiceManagement, "").
		Return([]models.DeviceRecord{mgmt("m1", "PC-1", "S1")}, nil).Times(1)
	client.EXPECT().ListAll(gomock.Any(), models.ServiceDirectory, "").
		Return([]models.DeviceRecord{dir("d1", "PC-1", "")}, nil).Times(1)

	built := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuilder(client, clock.NewFake(built), logger.NewTestLogger())

	idx, err := b.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, built, idx.BuiltAt)
	require.Len(t, idx.Rows, 1)
	assert.Equal(t, MatchedBySerial, idx.Rows[0].ManagementMatchedBy)
	require.NotNil(t, idx.Rows[0].Directory)
	assert.Equal(t, "d1", idx.Rows[0].Directory.NativeID)
}

func TestBuild_ListFailureAborts(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := directory.NewMockClient(ctrl)

	client.EXPECT().ListAll(gomock.Any(), models.ServiceRegistry, "").Return(nil, nil)
	client.EXPECT().ListAll(gomock.Any(), models.ServiceManagement, "").Return(nil, errors.New("throttled"))

	_, err := NewBuilder(client, nil, logger.NewTestLogger()).Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "management")
}

func TestFindOrphans_Scenario(t *testing.T) {
	idx := New(
		[]models.DeviceRecord{
			reg("A", "PC-A", "SERIAL-A"),
			reg("B", "PC-B", "SERIAL-B"),
			reg("C", "PC-C", ""),
		},
		[]models.DeviceRecord{
			mgmt("m-x", "PC-X", "SERIAL-X"),
			mgmt("m-b", "PC-B", "serial-b"),
			mgmt("m-c", "pc-c", ""),
		},
		nil,
	)

	orphans := FindOrphans(idx)
	require.Len(t, orphans, 1)
	assert.Equal(t, "A", orphans[0].NativeID)

	rows := idx.OrphanRows()
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Management)
}

func TestFindOrphans_NoIdentifiers(t *testing.T) {
	idx := New([]models.DeviceRecord{reg("blank", "", "")}, []models.DeviceRecord{mgmt("m", "", "")}, nil)

	orphans := FindOrphans(idx)
	require.Len(t, orphans, 1)
	assert.Equal(t, "blank", orphans[0].NativeID)
}

func TestNew_MapsAndCollisions(t *testing.T) {
	idx := New(
		nil,
		[]models.DeviceRecord{
			mgmt("m1", "PC", "S1"),
			mgmt("m2", "pc ", " s1"),
		},
		[]models.DeviceRecord{
			dir("d1", "PC", ""),
			dir("d2", "pc", "S1"),
			dir("d3", "other", ""),
		},
	)

	// last write wins for management
	assert.Equal(t, "m2", idx.ManagementBySerial["S1"].NativeID)
	assert.Equal(t, "m2", idx.ManagementByName["pc"].NativeID)

	// duplicates are preserved for directory
	require.Len(t, idx.DirectoryByName["pc"], 2)
	assert.Equal(t, "d1", idx.DirectoryByName["pc"][0].NativeID)
	assert.Equal(t, "d2", idx.DirectoryByName["pc"][1].NativeID)
}

func TestRows_NameFallback(t *testing.T) {
	idx := New(
		[]models.DeviceRecord{
			reg("z1", "KIOSK", ""),
			reg("z2", "LOBBY", "S2"),
		},
		[]models.DeviceRecord{
			mgmt("m1", "KIOSK", ""),
			mgmt("m2", "LOBBY", "DIFFERENT"),
		},
		nil,
	)

	require.Len(t, idx.Rows, 2)
	require.NotNil(t, idx.Rows[0].Management)
	assert.Equal(t, MatchedByName, idx.Rows[0].ManagementMatchedBy)

	// a conflicting serial rules the name match out
	assert.Nil(t, idx.Rows[1].Management)
	assert.Equal(t, MatchedNone, idx.Rows[1].ManagementMatchedBy)
}

func TestResolution_FromRow(t *testing.T) {
	idx := New(
		[]models.DeviceRecord{reg("z1", "", "S1")},
		[]models.DeviceRecord{mgmt("m1", "LAPTOP", "S1")},
		[]models.DeviceRecord{
			dir("d1", "laptop", "S1"),
			dir("d2", "LAPTOP", ""),
			dir("d3", "LAPTOP", "S9"),
		},
	)

	row, ok := idx.RowBySerial("s1")
	require.True(t, ok)
	assert.Equal(t, models.DeviceIdentity{Name: "LAPTOP", Serial: "S1"}, row.Identity())

	res := idx.Resolution(row)
	assert.Len(t, res.Records[models.ServiceRegistry], 1)
	assert.Len(t, res.Records[models.ServiceManagement], 1)
	assert.False(t, res.LowConfidence[models.ServiceManagement])

	var got []string
	for _, r := range res.Records[models.ServiceDirectory] {
		got = append(got, r.NativeID)
	}

	assert.Equal(t, []string{"d1", "d2"}, got)
}

func TestResolution_NoManagement(t *testing.T) {
	idx := New([]models.DeviceRecord{reg("z1", "PC", "S1")}, nil, nil)

	res := idx.Resolution(idx.Rows[0])
	assert.False(t, res.Found(models.ServiceManagement))
	assert.False(t, res.Found(models.ServiceDirectory))
	assert.True(t, res.Found(models.ServiceRegistry))
}

func managementIDs(res []models.DeviceRecord) []string {
	out := make([]string, 0, len(res))
	for _, r := range res {
		out = append(out, r.NativeID)
	}

	return out
}

func TestResolution_DuplicateManagementNamesAreAmbiguous(t *testing.T) {
	idx := New(
		[]models.DeviceRecord{reg("z1", "KIOSK", "")},
		[]models.DeviceRecord{
			mgmt("m1", "KIOSK", ""),
			mgmt("m2", "kiosk", ""),
		},
		nil,
	)

	// enrichment keeps a single counterpart
	assert.Equal(t, "m2", idx.ManagementByName["kiosk"].NativeID)
	require.Len(t, idx.ManagementNamed["kiosk"], 2)

	res := idx.Resolution(idx.Rows[0])
	assert.Equal(t, []string{"m1", "m2"}, managementIDs(res.Records[models.ServiceManagement]))
	assert.True(t, res.LowConfidence[models.ServiceManagement])
	assert.True(t, res.Ambiguous[models.ServiceManagement])
}

func TestResolution_NameMatchDropsConflictingSerials(t *testing.T) {
	idx := New(
		[]models.DeviceRecord{reg("z1", "KIOSK", "S1")},
		[]models.DeviceRecord{
			mgmt("m1", "KIOSK", ""),
			mgmt("m2", "KIOSK", "S9"),
		},
		nil,
	)

	row := idx.Rows[0]
	require.NotNil(t, row.Management)
	assert.Equal(t, "m1", row.Management.NativeID)

	res := idx.Resolution(row)
	assert.Equal(t, []string{"m1"}, managementIDs(res.Records[models.ServiceManagement]))
	assert.True(t, res.LowConfidence[models.ServiceManagement])
	assert.False(t, res.Ambiguous[models.ServiceManagement])
}

func TestOrphanRows_HaveNoManagementTargets(t *testing.T) {
	idx := New(
		[]models.DeviceRecord{reg("z1", "LAPTOP-01", "S1")},
		[]models.DeviceRecord{mgmt("m1", "LAPTOP-01", "")},
		nil,
	)

	// the inventory view still shows the name match
	require.NotNil(t, idx.Rows[0].Management)

	rows := idx.OrphanRows()
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Management)
	assert.Equal(t, MatchedNone, rows[0].ManagementMatchedBy)

	res := idx.Resolution(rows[0])
	assert.False(t, res.Found(models.ServiceManagement))
	assert.True(t, res.Found(models.ServiceRegistry))
}
