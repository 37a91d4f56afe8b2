package directory

import (
	"encoding/json"
	"strings"

	"github.com/carverauto/fleetreconcile/pkg/models"
)

// DefaultSerialIDPrefix marks the physical-identifier entry that carries the
// hardware serial on directory devices.
const DefaultSerialIDPrefix = "[SerialNumber]:"

// pageEnvelope is the collection shape shared by all three services.
type pageEnvelope struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink,omitempty"`
}

// errorEnvelope is the error body shared by all three services.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ManagedDevice is a Management record.
type ManagedDevice struct {
	ID                string `json:"id"`
	DeviceName        string `json:"deviceName"`
	SerialNumber      string `json:"serialNumber"`
	ManagementState   string `json:"managementState"`
	AzureADDeviceID   string `json:"azureADDeviceId,omitempty"`
	OperatingSystem   string `json:"operatingSystem,omitempty"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
	LastSyncDateTime  string `json:"lastSyncDateTime,omitempty"`
}

// AutopilotIdentity is a Registry record.
type AutopilotIdentity struct {
	ID                           string `json:"id"`
	SerialNumber                 string `json:"serialNumber"`
	DisplayName                  string `json:"displayName,omitempty"`
	GroupTag                     string `json:"groupTag,omitempty"`
	Model                        string `json:"model,omitempty"`
	Manufacturer                 string `json:"manufacturer,omitempty"`
	EnrollmentState              string `json:"enrollmentState,omitempty"`
	ManagedDeviceID              string `json:"managedDeviceId,omitempty"`
	AzureActiveDirectoryDeviceID string `json:"azureActiveDirectoryDeviceId,omitempty"`
}

// DirectoryDevice is a Directory record. It has no serial field; the serial
// lives in one of the PhysicalIDs entries.
type DirectoryDevice struct {
	ID              string   `json:"id"`
	DeviceID        string   `json:"deviceId,omitempty"`
	DisplayName     string   `json:"displayName"`
	OperatingSystem string   `json:"operatingSystem,omitempty"`
	PhysicalIDs     []string `json:"physicalIds,omitempty"`
}

// wipeRequest is the body of the wipe action.
type wipeRequest struct {
	KeepEnrollmentData bool `json:"keepEnrollmentData"`
	KeepUserData       bool `json:"keepUserData"`
}

// SerialFromPhysicalIDs extracts the serial from a physical-identifier list.
func SerialFromPhysicalIDs(ids []string, prefix string) string {
	for _, id := range ids {
		if len(id) >= len(prefix) && strings.EqualFold(id[:len(prefix)], prefix) {
			return strings.TrimSpace(id[len(prefix):])
		}
	}

	return ""
}

func (d ManagedDevice) record() models.DeviceRecord {
	return models.DeviceRecord{
		Service:         models.ServiceManagement,
		NativeID:        d.ID,
		DisplayName:     d.DeviceName,
		SerialNumber:    d.SerialNumber,
		ManagementState: models.ManagementState(d.ManagementState),
	}
}

func (a AutopilotIdentity) record() models.DeviceRecord {
	return models.DeviceRecord{
		Service:      models.ServiceRegistry,
		NativeID:     a.ID,
		DisplayName:  a.DisplayName,
		SerialNumber: a.SerialNumber,
	}
}

func (d DirectoryDevice) record(prefix string) models.DeviceRecord {
	return models.DeviceRecord{
		Service:      models.ServiceDirectory,
		NativeID:     d.ID,
		DisplayName:  d.DisplayName,
		SerialNumber: SerialFromPhysicalIDs(d.PhysicalIDs, prefix),
	}
}

// decodeRecord turns one collection element into a normalized record,
// keeping the raw fields for display.
func decodeRecord(kind models.ServiceKind, raw json.RawMessage, serialPrefix string) (models.DeviceRecord, error) {
	var rec models.DeviceRecord

	switch kind {
	case models.ServiceManagement:
		var d ManagedDevice
		if err := json.Unmarshal(raw, &d); err != nil {
			return rec, err
		}

		rec = d.record()
	case models.ServiceRegistry:
		var a AutopilotIdentity
		if err := json.Unmarshal(raw, &a); err != nil {
			return rec, err
		}

		rec = a.record()
	case models.ServiceDirectory:
		var d DirectoryDevice
		if err := json.Unmarshal(raw, &d); err != nil {
			return rec, err
		}

		rec = d.record(serialPrefix)
	default:
		return rec, models.ErrUnknownService
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err == nil {
		rec.Raw = fields
	}

	return rec, nil
}
