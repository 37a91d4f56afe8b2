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

// Package resolve finds the records that belong to one ad-hoc device identity
// in each backing service.
package resolve

import (
	"context"
	"strings"

	"github.com/carverauto/fleetreconcile/pkg/directory"
	"github.com/carverauto/fleetreconcile/pkg/logger"
	"github.com/carverauto/fleetreconcile/pkg/models"
)

// Resolution is the per-service match set for one identity.
type Resolution struct {
	Identity models.DeviceIdentity `json:"identity"`
	// DirectoryName is the name used for Directory lookups; it may be derived
	// from a Management or Registry match when no name was supplied.
	DirectoryName string                                       `json:"directory_name,omitempty"`
	Records       map[models.ServiceKind][]models.DeviceRecord `json:"records"`
	// LowConfidence marks Registry/Management sets matched by name only.
	LowConfidence map[models.ServiceKind]bool `json:"low_confidence,omitempty"`
	// Ambiguous marks low-confidence sets holding more than one record.
	Ambiguous    map[models.ServiceKind]bool   `json:"ambiguous,omitempty"`
	LookupErrors map[models.ServiceKind]string `json:"lookup_errors,omitempty"`
}

// NewResolution returns an empty resolution for identity.
func NewResolution(identity models.DeviceIdentity) *Resolution {
	return &Resolution{
		Identity:      identity,
		Records:       make(map[models.ServiceKind][]models.DeviceRecord),
		LowConfidence: make(map[models.ServiceKind]bool),
		Ambiguous:     make(map[models.ServiceKind]bool),
		LookupErrors:  make(map[models.ServiceKind]string),
	}
}

// SetRecords stores a match set and derives the confidence flags.
func (r *Resolution) SetRecords(kind models.ServiceKind, records []models.DeviceRecord, byName bool) {
	r.Records[kind] = records

	if byName && kind != models.ServiceDirectory && len(records) > 0 {
		r.LowConfidence[kind] = true
		r.Ambiguous[kind] = len(records) > 1
	}
}

// Found reports whether kind has at least one match.
func (r *Resolution) Found(kind models.ServiceKind) bool {
	return len(r.Records[kind]) > 0
}

// VerifyIdentity is the identity to poll with after deletion.
func (r *Resolution) VerifyIdentity() models.DeviceIdentity {
	id := r.Identity
	if !id.HasName() {
		id.Name = r.DirectoryName
	}

	return id
}

// MatchesSerial is the duplicate rule: a record with no serial matches any
// serial, a record with a different serial never does.
func MatchesSerial(rec models.DeviceRecord, serial string) bool {
	serial = strings.TrimSpace(serial)
	have := strings.TrimSpace(rec.SerialNumber)

	if serial == "" || have == "" {
		return true
	}

	return strings.EqualFold(have, serial)
}

// Resolver looks identities up against the live services.
type Resolver struct {
	client directory.Client
	logger logger.Logger
}

// New creates a Resolver.
func New(client directory.Client, log logger.Logger) *Resolver {
	return &Resolver{client: client, logger: log}
}

// Resolve finds the matches for identity in every service. Lookup failures are
// logged and recorded, and the service is treated as having no match.
func (r *Resolver) Resolve(ctx context.Context, identity models.DeviceIdentity) (*Resolution, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	identity = normalize(identity)
	res := NewResolution(identity)

	for _, kind := range []models.ServiceKind{models.ServiceManagement, models.ServiceRegistry} {
		records, byName, err := r.lookup(ctx, kind, identity)
		if err != nil {
			r.recordFailure(res, kind, err)
			continue
		}

		res.SetRecords(kind, records, byName)
	}

	dirIdentity := identity
	if !dirIdentity.HasName() {
		dirIdentity.Name = derivedName(res)
	}

	res.DirectoryName = dirIdentity.Name

	records, _, err := r.lookup(ctx, models.ServiceDirectory, dirIdentity)
	if err != nil {
		r.recordFailure(res, models.ServiceDirectory, err)
	} else {
		res.SetRecords(models.ServiceDirectory, records, false)
	}

	r.logger.Debug().
		Str("identity", identity.String()).
		Int("management", len(res.Records[models.ServiceManagement])).
		Int("registry", len(res.Records[models.ServiceRegistry])).
		Int("directory", len(res.Records[models.ServiceDirectory])).
		Msg("Resolved identity")

	return res, nil
}

// Locate runs the lookup for a single service and returns errors instead of
// swallowing them.
func (r *Resolver) Locate(ctx context.Context, kind models.ServiceKind, identity models.DeviceIdentity) ([]models.DeviceRecord, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	records, _, err := r.lookup(ctx, kind, normalize(identity))

	return records, err
}

func (r *Resolver) recordFailure(res *Resolution, kind models.ServiceKind, err error) {
	r.logger.Warn().
		Err(err).
		Str("service", kind.String()).
		Str("identity", res.Identity.String()).
		Msg("Lookup failed, treating as not found")

	res.LookupErrors[kind] = err.Error()
}

// lookup reports whether the returned set came from a name match.
func (r *Resolver) lookup(ctx context.Context, kind models.ServiceKind, id models.DeviceIdentity) ([]models.DeviceRecord, bool, error) {
	if kind == models.ServiceDirectory {
		return r.lookupDirectory(ctx, id)
	}

	if id.HasSerial() {
		records, err := r.client.FindBySerial(ctx, kind, id.Serial)
		if err != nil {
			return nil, false, err
		}

		// the registry filter is a contains match
		if kind == models.ServiceRegistry {
			records = filter(records, func(rec models.DeviceRecord) bool {
				return strings.EqualFold(strings.TrimSpace(rec.SerialNumber), id.Serial)
			})
		}

		if len(records) > 0 || !id.HasName() {
			return records, false, nil
		}
	}

	records, err := r.client.FindByName(ctx, kind, id.Name)
	if err != nil {
		return nil, true, err
	}

	return filter(records, func(rec models.DeviceRecord) bool { return MatchesSerial(rec, id.Serial) }), true, nil
}

func (r *Resolver) lookupDirectory(ctx context.Context, id models.DeviceIdentity) ([]models.DeviceRecord, bool, error) {
	if id.HasName() {
		records, err := r.client.FindByName(ctx, models.ServiceDirectory, id.Name)
		if err != nil {
			return nil, true, err
		}

		return filter(records, func(rec models.DeviceRecord) bool { return MatchesSerial(rec, id.Serial) }), true, nil
	}

	if id.HasSerial() {
		records, err := r.client.FindBySerial(ctx, models.ServiceDirectory, id.Serial)

		return records, false, err
	}

	return nil, false, nil
}

func derivedName(res *Resolution) string {
	for _, kind := range []models.ServiceKind{models.ServiceManagement, models.ServiceRegistry} {
		for _, rec := range res.Records[kind] {
			if name := strings.TrimSpace(rec.DisplayName); name != "" {
				return name
			}
		}
	}

	return ""
}

func normalize(id models.DeviceIdentity) models.DeviceIdentity {
	return models.DeviceIdentity{Name: strings.TrimSpace(id.Name), Serial: strings.TrimSpace(id.Serial)}
}

func filter(records []models.DeviceRecord, keep func(models.DeviceRecord) bool) []models.DeviceRecord {
	out := make([]models.DeviceRecord, 0, len(records))

	for _, rec := range records {
		if keep(rec) {
			out = append(out, rec)
		}
	}

	return out
}
