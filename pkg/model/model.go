// Copyright 2025 The fleetcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model defines the data types shared by the fleetcore ingestion
// pipeline: the closed enumerations (source, property type, component
// category, log level) and the JSON payload records a component publishes
// over MQTT (system identity, application identity, property registrations,
// log records).
package model

// Source identifies one of the two independent producers on a component.
// Each component carries exactly two registrations, one per source.
type Source string

const (
	// SourceSystem is the firmware-level producer.
	SourceSystem Source = "system"
	// SourceApp is the application-level producer.
	SourceApp Source = "app"
)

// Sources returns the closed set of sources in a fixed order.
func Sources() []Source {
	return []Source{SourceSystem, SourceApp}
}

// Valid reports whether s is a member of the closed source set.
func (s Source) Valid() bool {
	switch s {
	case SourceSystem, SourceApp:
		return true
	}
	return false
}

// APIVersion is the protocol version a component announces in its system
// identity message. Only version 2 is defined.
type APIVersion int

// APIVersionV2 is the only supported protocol version.
const APIVersionV2 APIVersion = 2

// Valid reports whether v is a version this build supports.
func (v APIVersion) Valid() bool {
	return v == APIVersionV2
}

// PropertyType is the closed set of value layouts a property may declare.
type PropertyType string

const (
	// PropertyPrimitive is a raw struct-pack tuple.
	PropertyPrimitive PropertyType = "gmbnd_primitive"
	// PropertyColor is the four-channel color composite.
	PropertyColor PropertyType = "gmbnd_color"
	// PropertyLED is the addressed LED composite.
	PropertyLED PropertyType = "gmbnd_led"
)

// Valid reports whether t is a member of the closed property type set.
func (t PropertyType) Valid() bool {
	switch t {
	case PropertyPrimitive, PropertyColor, PropertyLED:
		return true
	}
	return false
}

// ComponentCategory is the closed set of component kinds.
type ComponentCategory string

const (
	CategoryGeneric  ComponentCategory = "generic"
	CategoryPresence ComponentCategory = "presence"
)

// Valid reports whether c is a member of the closed category set.
func (c ComponentCategory) Valid() bool {
	switch c {
	case CategoryGeneric, CategoryPresence:
		return true
	}
	return false
}

// Capability is a feature a component declares in its identity message.
type Capability string

const (
	CapabilityOTA        Capability = "OTA"
	CapabilityIdentify   Capability = "identify"
	CapabilityFilesystem Capability = "filesystem"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityOTA, CapabilityIdentify, CapabilityFilesystem:
		return true
	}
	return false
}

// LogLevel is the closed set of severities a component log record may carry.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// Valid reports whether l is a member of the closed log level set.
func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogWarning, LogError:
		return true
	}
	return false
}

// ExhibitHealthState is the aggregate health a fleet exhibit reports to
// operator-facing surfaces.
type ExhibitHealthState string

const (
	HealthHealthy  ExhibitHealthState = "healthy"
	HealthDegraded ExhibitHealthState = "degraded"
	HealthOffline  ExhibitHealthState = "offline"
)

// Valid reports whether h is a member of the closed health set.
func (h ExhibitHealthState) Valid() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthOffline:
		return true
	}
	return false
}

// PlatformInfo is the optional nested platform record of a system identity
// message.
type PlatformInfo struct {
	Name              string `json:"name"`
	Variant           string `json:"variant,omitempty"`
	Version           string `json:"ver"`
	PkgVersion        string `json:"gb_pkg_ver"`
	BootloaderVersion string `json:"bootloader_ver"`
}

// SystemInfo is the sanitized system identity record. Unknown keys in the
// wire payload are discarded by the validator.
type SystemInfo struct {
	APIVersion   int               `json:"api_ver"`
	LibVersion   string            `json:"gb_lib_ver,omitempty"`
	Name         string            `json:"name,omitempty"`
	Category     ComponentCategory `json:"type"`
	Capabilities []Capability      `json:"capabilities"`
	Platform     *PlatformInfo     `json:"platform,omitempty"`
	MAC          string            `json:"mac"`
	IP           string            `json:"ip"`
	NumProps     int               `json:"num_props"`
}

// ApplicationInfo is the sanitized application identity record.
type ApplicationInfo struct {
	FileName   string `json:"file_name,omitempty"`
	Version    string `json:"ver,omitempty"`
	PkgVersion string `json:"gb_pkg_ver,omitempty"`
	NumProps   int    `json:"num_props"`
}

// PropertyRegistration is the sanitized schema a source announces for one
// property before publishing values for it.
type PropertyRegistration struct {
	Path        string       `json:"path"`
	Index       int          `json:"index"`
	Description string       `json:"desc,omitempty"`
	Type        PropertyType `json:"type"`
	Format      string       `json:"format"`
	Length      int          `json:"length"`
	Settable    bool         `json:"settable"`
	Gettable    bool         `json:"gettable"`
	Min         *float64     `json:"min,omitempty"`
	Max         *float64     `json:"max,omitempty"`
	Step        *float64     `json:"step,omitempty"`
	UIHidden    bool         `json:"ui_hidden,omitempty"`
}

// LogRecord is a sanitized component log message.
type LogRecord struct {
	Severity LogLevel `json:"severity"`
	Text     string   `json:"text"`
}

// PendingMessage is a message that arrived for a component before its API
// version was known. It is buffered in arrival order and replayed after the
// identity message resolves the version.
type PendingMessage struct {
	Topic   string
	Payload []byte
}
