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

// Package models holds the device-lifecycle types shared by every fleetreconcile package.
package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyIdentity is returned when neither a name nor a serial number was supplied.
	ErrEmptyIdentity = errors.New("device identity requires a name or a serial number")
	// ErrUnknownService is returned when a service name cannot be parsed.
	ErrUnknownService = errors.New("unknown service")
)

// ServiceKind identifies one of the three backing inventories.
type ServiceKind int

const (
	// ServiceRegistry is the zero-touch deployment registry.
	ServiceRegistry ServiceKind = iota + 1
	// ServiceManagement is the device-management (MDM) service.
	ServiceManagement
	// ServiceDirectory is the identity directory.
	ServiceDirectory
)

// AllServices returns every service in deletion order.
func AllServices() []ServiceKind {
	return []ServiceKind{ServiceManagement, ServiceRegistry, ServiceDirectory}
}

func (s ServiceKind) String() string {
	switch s {
	case ServiceRegistry:
		return "registry"
	case ServiceManagement:
		return "management"
	case ServiceDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// MarshalText renders the service as its lower-case name.
func (s ServiceKind) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a service name, see ParseServiceKind.
func (s *ServiceKind) UnmarshalText(b []byte) error {
	kind, err := ParseServiceKind(string(b))
	if err != nil {
		return err
	}

	*s = kind

	return nil
}

// ParseServiceKind accepts the canonical names plus the platform aliases operators tend to type.
func ParseServiceKind(name string) (ServiceKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "registry", "autopilot", "ztd":
		return ServiceRegistry, nil
	case "management", "mdm", "intune":
		return ServiceManagement, nil
	case "directory", "entra", "aad", "azuread":
		return ServiceDirectory, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
}

// ManagementState is the management-layer lifecycle state of a record.
// Only Management records carry one.
type ManagementState string

const (
	ManagementStateNormal        ManagementState = "managed"
	ManagementStateWipePending   ManagementState = "wipePending"
	ManagementStateRetirePending ManagementState = "retirePending"
	ManagementStateDeletePending ManagementState = "deletePending"
	ManagementStateWipeIssued    ManagementState = "wipeIssued"
)

// Pending reports whether the record already has a destructive action queued.
func (m ManagementState) Pending() bool {
	switch m {
	case ManagementStateWipePending, ManagementStateRetirePending, ManagementStateDeletePending, ManagementStateWipeIssued:
		return true
	default:
		return false
	}
}

// DeviceRecord is a read-only snapshot of one record in one backing service.
// Only NativeID is ever sent back to the service.
type DeviceRecord struct {
	Service         ServiceKind     `json:"service"`
	NativeID        string          `json:"native_id"`
	DisplayName     string          `json:"display_name,omitempty"`
	SerialNumber    string          `json:"serial_number,omitempty"`
	ManagementState ManagementState `json:"management_state,omitempty"`
	Raw             map[string]any  `json:"-"`
}

// DeviceIdentity is the partial identity an operator supplies.
type DeviceIdentity struct {
	Name   string `json:"name,omitempty"`
	Serial string `json:"serial,omitempty"`
}

// Validate rejects identities that cannot be looked up at all.
func (d DeviceIdentity) Validate() error {
	if strings.TrimSpace(d.Name) == "" && strings.TrimSpace(d.Serial) == "" {
		return ErrEmptyIdentity
	}

	return nil
}

// HasSerial reports whether a non-blank serial is present.
func (d DeviceIdentity) HasSerial() bool {
	return strings.TrimSpace(d.Serial) != ""
}

// HasName reports whether a non-blank name is present.
func (d DeviceIdentity) HasName() bool {
	return strings.TrimSpace(d.Name) != ""
}

func (d DeviceIdentity) String() string {
	switch {
	case d.HasName() && d.HasSerial():
		return fmt.Sprintf("%s (serial %s)", d.Name, d.Serial)
	case d.HasSerial():
		return "serial " + d.Serial
	default:
		return d.Name
	}
}
