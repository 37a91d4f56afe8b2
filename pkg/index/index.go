/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package index builds the cross-service snapshot used by batch reconciliation.
package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/carverauto/fleetreconcile/pkg/clock"
	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
	"github.com/carverauto/fleetreconcile/pkg/resolve"
)

// MatchKind records how a Registry row found its Management counterpart.
type MatchKind string

const (
	MatchedBySerial MatchKind = "serial"
	MatchedByName   MatchKind = "name"
	MatchedNone     MatchKind = ""
)

// InventoryRow is one Registry record annotated with its counterparts.
type InventoryRow struct {
	Registry            models.DeviceRecord  `json:"registry"`
	Management          *models.DeviceRecord `json:"management,omitempty"`
	ManagementMatchedBy MatchKind            `json:"management_matched_by,omitempty"`
	// Directory is the first record sharing the display name. It is shown to
	// the operator and never used to pick deletion targets.
	Directory *models.DeviceRecord `json:"directory,omitempty"`
}

// Identity returns the best identity for processing this row.
func (r InventoryRow) Identity() models.DeviceIdentity {
	id := models.DeviceIdentity{
		Name:   strings.TrimSpace(r.Registry.DisplayName),
		Serial: strings.TrimSpace(r.Registry.SerialNumber),
	}

	if id.Name == "" && r.Management != nil {
		id.Name = strings.TrimSpace(r.Management.DisplayName)
	}

	return id
}

// CrossServiceIndex is a read-only snapshot of the three inventories.
type CrossServiceIndex struct {
	BuiltAt            time.Time
	Registry           []models.DeviceRecord
	Management         []models.DeviceRecord
	Directory          []models.DeviceRecord
	ManagementBySerial map[string]models.DeviceRecord
	ManagementByName   map[string]models.DeviceRecord
	// ManagementNamed keeps every Management record per name; deletion
	// targets come from here so duplicates are not hidden.
	ManagementNamed map[string][]models.DeviceRecord
	DirectoryByName map[string][]models.DeviceRecord
	Rows            []InventoryRow
}

// SerialKey normalizes a serial for map lookups.
func SerialKey(serial string) string {
	return strings.ToUpper(strings.TrimSpace(serial))
}

// NameKey normalizes a display name for map lookups.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Builder fetches every inventory once.
type Builder struct {
	client directory.Client
	clock  clock.Clock
	logger logger.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(client directory.Client, clk clock.Clock, log logger.Logger) *Builder {
	if clk == nil {
		clk = clock.Real()
	}

	return &Builder{client: client, clock: clk, logger: log}
}

// Build performs exactly one ListAll per service and indexes the results.
// Any list failure aborts the build.
func (b *Builder) Build(ctx context.Context) (*CrossServiceIndex, error) {
	lists := make(map[models.ServiceKind][]models.DeviceRecord, 3)

	for _, kind := range []models.ServiceKind{models.ServiceRegistry, models.ServiceManagement, models.ServiceDirectory} {
		records, err := b.client.ListAll(ctx, kind, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list %s inventory: %w", kind, err)
		}

		b.logger.Info().
			Str("service", kind.String()).
			Int("records", len(records)).
			Msg("Fetched inventory")

		lists[kind] = records
	}

	idx := New(lists[models.ServiceRegistry], lists[models.ServiceManagement], lists[models.ServiceDirectory])
	idx.BuiltAt = b.clock.Now()

	return idx, nil
}

// New indexes already fetched inventories. No I/O happens here.
func New(registry, management, dir []models.DeviceRecord) *CrossServiceIndex {
	idx := &CrossServiceIndex{
		Registry:           registry,
		Management:         management,
		Directory:          dir,
		ManagementBySerial: make(map[string]models.DeviceRecord, len(management)),
		ManagementByName:   make(map[string]models.DeviceRecord, len(management)),
		ManagementNamed:    make(map[string][]models.DeviceRecord, len(management)),
		DirectoryByName:    make(map[string][]models.DeviceRecord, len(dir)),
		Rows:               make([]InventoryRow, 0, len(registry)),
	}

	// duplicates within Management are not expected; last write wins
	for _, rec := range management {
		if key := SerialKey(rec.SerialNumber); key != "" {
			idx.ManagementBySerial[key] = rec
		}

		if key := NameKey(rec.DisplayName); key != "" {
			idx.ManagementByName[key] = rec
			idx.ManagementNamed[key] = append(idx.ManagementNamed[key], rec)
		}
	}

	for _, rec := range dir {
		if key := NameKey(rec.DisplayName); key != "" {
			idx.DirectoryByName[key] = append(idx.DirectoryByName[key], rec)
		}
	}

	for _, rec := range registry {
		idx.Rows = append(idx.Rows, idx.row(rec))
	}

	return idx
}

func (idx *CrossServiceIndex) row(reg models.DeviceRecord) InventoryRow {
	row := InventoryRow{Registry: reg}

	if m, ok := idx.ManagementBySerial[SerialKey(reg.SerialNumber)]; ok && SerialKey(reg.SerialNumber) != "" {
		row.Management = &m
		row.ManagementMatchedBy = MatchedBySerial
	} else if NameKey(reg.DisplayName) != "" {
		named := idx.ManagementNamed[NameKey(reg.DisplayName)]

		// last compatible record wins, as in ManagementByName
		for i := len(named) - 1; i >= 0; i-- {
			if resolve.MatchesSerial(named[i], reg.SerialNumber) {
				m := named[i]
				row.Management = &m
				row.ManagementMatchedBy = MatchedByName

				break
			}
		}
	}

	name := reg.DisplayName
	if name == "" && row.Management != nil {
		name = row.Management.DisplayName
	}

	if matches := idx.DirectoryByName[NameKey(name)]; len(matches) > 0 {
		d := matches[0]
		row.Directory = &d
	}

	return row
}

// Resolution builds the deletion targets for one row without any I/O.
// Directory targets are every same-name record that passes the serial rule.
func (idx *CrossServiceIndex) Resolution(row InventoryRow) *resolve.Resolution {
	identity := row.Identity()
	res := resolve.NewResolution(identity)
	res.DirectoryName = identity.Name

	res.SetRecords(models.ServiceRegistry, []models.DeviceRecord{row.Registry}, false)

	switch {
	case row.Management == nil:
		res.SetRecords(models.ServiceManagement, nil, false)
	case row.ManagementMatchedBy == MatchedByName:
		var named []models.DeviceRecord

		for _, rec := range idx.ManagementNamed[NameKey(row.Management.DisplayName)] {
			if resolve.MatchesSerial(rec, row.Registry.SerialNumber) {
				named = append(named, rec)
			}
		}

		res.SetRecords(models.ServiceManagement, named, true)
	default:
		res.SetRecords(models.ServiceManagement, []models.DeviceRecord{*row.Management}, false)
	}

	var targets []models.DeviceRecord

	for _, rec := range idx.DirectoryByName[NameKey(identity.Name)] {
		if resolve.MatchesSerial(rec, identity.Serial) {
			targets = append(targets, rec)
		}
	}

	res.SetRecords(models.ServiceDirectory, targets, false)

	return res
}

// RowBySerial finds the row for a Registry serial.
func (idx *CrossServiceIndex) RowBySerial(serial string) (InventoryRow, bool) {
	key := SerialKey(serial)
	if key == "" {
		return InventoryRow{}, false
	}

	for _, row := range idx.Rows {
		if SerialKey(row.Registry.SerialNumber) == key {
			return row, true
		}
	}

	return InventoryRow{}, false
}

// FindOrphans returns Registry records with no Management counterpart: a
// serial unknown to Management, or no serial and a name unknown to
// Management, or neither field at all.
func FindOrphans(idx *CrossServiceIndex) []models.DeviceRecord {
	orphans := make([]models.DeviceRecord, 0)

	for _, rec := range idx.Registry {
		serial := SerialKey(rec.SerialNumber)
		name := NameKey(rec.DisplayName)

		switch {
		case serial != "":
			if _, ok := idx.ManagementBySerial[serial]; !ok {
				orphans = append(orphans, rec)
			}
		case name != "":
			if _, ok := idx.ManagementByName[name]; !ok {
				orphans = append(orphans, rec)
			}
		default:
			orphans = append(orphans, rec)
		}
	}

	return orphans
}

// OrphanRows is FindOrphans expressed as inventory rows. An orphan has no
// Management counterpart, so a name fallback match is dropped.
func (idx *CrossServiceIndex) OrphanRows() []InventoryRow {
	orphans := FindOrphans(idx)
	rows := make([]InventoryRow, 0, len(orphans))

	for _, rec := range orphans {
		row := idx.row(rec)
		row.Management = nil
		row.ManagementMatchedBy = MatchedNone

		rows = append(rows, row)
	}

	return rows
}
