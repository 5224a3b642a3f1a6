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

// Package packet validates the V2 JSON payloads a component publishes:
// system identity, application identity, property registrations, and log
// records. Every field gets an explicit check; unknown keys are discarded.
// Validators return the sanitized record or a classified error.
package packet

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gmbnd/fleetcore/pkg/errors"
	"github.com/gmbnd/fleetcore/pkg/model"
	"github.com/gmbnd/fleetcore/pkg/structpack"
)

var (
	macRe = regexp.MustCompile(`^(?i)[0-9a-f]{2}([:-][0-9a-f]{2}){5}$`)
	ipRe  = regexp.MustCompile(`^(0|[1-9][0-9]?|1[0-9][0-9]|2[0-4][0-9]|25[0-5])(\.(0|[1-9][0-9]?|1[0-9][0-9]|2[0-4][0-9]|25[0-5])){3}$`)
)

// decodeObject parses a payload into a generic JSON object.
func decodeObject(payload []byte) (map[string]any, error) {
	if !utf8.Valid(payload) {
		return nil, errors.New(errors.KindPayloadJSONInvalid, "payload is not valid UTF-8")
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, errors.Wrap(errors.KindPayloadJSONInvalid, "packet.decodeObject", err)
	}
	return m, nil
}

func optString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Newf(errors.KindPayloadSchemaInvalid, "field %q must be a string", key)
	}
	return s, nil
}

func reqString(m map[string]any, key string) (string, error) {
	if _, ok := m[key]; !ok {
		return "", errors.Newf(errors.KindPayloadSchemaInvalid, "field %q is required", key)
	}
	return optString(m, key)
}

func reqNonNegInt(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok {
		return 0, errors.Newf(errors.KindPayloadSchemaInvalid, "field %q is required", key)
	}
	n, ok := v.(float64)
	if !ok || n != math.Trunc(n) {
		return 0, errors.Newf(errors.KindPayloadSchemaInvalid, "field %q must be an integer", key)
	}
	if n < 0 {
		return 0, errors.Newf(errors.KindPayloadSchemaInvalid, "field %q must be non-negative", key)
	}
	return int(n), nil
}

func optBool(m map[string]any, key string, def bool) (bool, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Newf(errors.KindPayloadSchemaInvalid, "field %q must be a boolean", key)
	}
	return b, nil
}

func optNumber(m map[string]any, key string) (*float64, error) {
	v, ok := m[key]
	if !ok {
		return nil, nil
	}
	n, ok := v.(float64)
	if !ok {
		return nil, errors.Newf(errors.KindPayloadSchemaInvalid, "field %q must be a number", key)
	}
	return &n, nil
}

// ParseAPIVersion extracts just the announced protocol version from an
// identity payload. The version is not checked against the supported set;
// that decision belongs to the caller.
func ParseAPIVersion(payload []byte) (model.APIVersion, error) {
	m, err := decodeObject(payload)
	if err != nil {
		return 0, err
	}
	v, err := reqNonNegInt(m, "api_ver")
	if err != nil {
		return 0, err
	}
	return model.APIVersion(v), nil
}

// ParseSystemInfo validates a system identity payload and returns the
// sanitized record.
func ParseSystemInfo(payload []byte) (*model.SystemInfo, error) {
	m, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}

	info := &model.SystemInfo{}
	if info.APIVersion, err = reqNonNegInt(m, "api_ver"); err != nil {
		return nil, err
	}
	if !model.APIVersion(info.APIVersion).Valid() {
		return nil, errors.Newf(errors.KindUnknownAPIVersion, "api_ver %d is not supported", info.APIVersion)
	}
	if info.LibVersion, err = optString(m, "gb_lib_ver"); err != nil {
		return nil, err
	}
	if info.Name, err = optString(m, "name"); err != nil {
		return nil, err
	}

	cat, err := reqString(m, "type")
	if err != nil {
		return nil, err
	}
	info.Category = model.ComponentCategory(cat)
	if !info.Category.Valid() {
		return nil, errors.Newf(errors.KindPayloadSchemaInvalid, "unknown component type %q", cat)
	}

	rawCaps, ok := m["capabilities"]
	if !ok {
		return nil, errors.New(errors.KindPayloadSchemaInvalid, `field "capabilities" is required`)
	}
	capList, ok := rawCaps.([]any)
	if !ok {
		return nil, errors.New(errors.KindPayloadSchemaInvalid, `field "capabilities" must be an array of strings`)
	}
	info.Capabilities = []model.Capability{}
	for _, c := range capList {
		s, ok := c.(string)
		if !ok {
			return nil, errors.New(errors.KindPayloadSchemaInvalid, `field "capabilities" must be an array of strings`)
		}
		capability := model.Capability(s)
		if !capability.Valid() {
			return nil, errors.Newf(errors.KindPayloadSchemaInvalid, "unknown capability %q", s)
		}
		info.Capabilities = append(info.Capabilities, capability)
	}

	if rawPlat, ok := m["platform"]; ok {
		platMap, ok := rawPlat.(map[string]any)
		if !ok {
			return nil, errors.New(errors.KindPayloadSchemaInvalid, `field "platform" must be an object`)
		}
		plat, err := parsePlatform(platMap)
		if err != nil {
			return nil, err
		}
		info.Platform = plat
	}

	mac, err := reqString(m, "mac")
	if err != nil {
		return nil, err
	}
	if !macRe.MatchString(mac) {
		return nil, errors.Newf(errors.KindPayloadSchemaInvalid, "malformed mac address %q", mac)
	}
	info.MAC = mac

	ip, err := reqString(m, "ip")
	if err != nil {
		return nil, err
	}
	if !ipRe.MatchString(ip) {
		return nil, errors.Newf(errors.KindPayloadSchemaInvalid, "malformed ip address %q", ip)
	}
	info.IP = ip

	if info.NumProps, err = reqNonNegInt(m, "num_props"); err != nil {
		return nil, err
	}
	return info, nil
}

func parsePlatform(m map[string]any) (*model.PlatformInfo, error) {
	p := &model.PlatformInfo{}
	var err error
	if p.Name, err = reqString(m, "name"); err != nil {
		return nil, err
	}
	if p.Variant, err = optString(m, "variant"); err != nil {
		return nil, err
	}
	if p.Version, err = reqString(m, "ver"); err != nil {
		return nil, err
	}
	if p.PkgVersion, err = reqString(m, "gb_pkg_ver"); err != nil {
		return nil, err
	}
	if p.BootloaderVersion, err = reqString(m, "bootloader_ver"); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseApplicationInfo validates an application identity payload and returns
// the sanitized record.
func ParseApplicationInfo(payload []byte) (*model.ApplicationInfo, error) {
	m, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	info := &model.ApplicationInfo{}
	if info.FileName, err = optString(m, "file_name"); err != nil {
		return nil, err
	}
	if info.Version, err = optString(m, "ver"); err != nil {
		return nil, err
	}
	if info.PkgVersion, err = optString(m, "gb_pkg_ver"); err != nil {
		return nil, err
	}
	if info.NumProps, err = reqNonNegInt(m, "num_props"); err != nil {
		return nil, err
	}
	return info, nil
}

// ValidPath reports whether p is a well-formed property path: slash
// separated, no empty segments, characters restricted to printable ASCII
// minus '#', '$', '+' and DEL.
func ValidPath(p string) bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return false
		}
		for i := 0; i < len(seg); i++ {
			ch := seg[i]
			if ch < 0x20 || ch > 0x7e {
				return false
			}
			switch ch {
			case '#', '$', '+':
				return false
			}
		}
	}
	return true
}

// ParsePropertyRegistration validates a property registration payload and
// returns the sanitized record. The format string is validated jointly with
// the length: an empty format requires a zero length, a non-empty format a
// positive one.
func ParsePropertyRegistration(payload []byte) (*model.PropertyRegistration, error) {
	m, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	reg := &model.PropertyRegistration{}

	if reg.Path, err = reqString(m, "path"); err != nil {
		return nil, err
	}
	if !ValidPath(reg.Path) {
		return nil, errors.Newf(errors.KindPayloadSchemaInvalid, "malformed property path %q", reg.Path)
	}
	if reg.Index, err = reqNonNegInt(m, "index"); err != nil {
		return nil, err
	}
	if reg.Description, err = optString(m, "desc"); err != nil {
		return nil, err
	}

	t, err := reqString(m, "type")
	if err != nil {
		return nil, err
	}
	reg.Type = model.PropertyType(t)
	if !reg.Type.Valid() {
		return nil, errors.Newf(errors.KindPayloadSchemaInvalid, "unknown property type %q", t)
	}

	if reg.Format, err = reqString(m, "format"); err != nil {
		return nil, err
	}
	if _, err := structpack.Parse(reg.Format); err != nil {
		return nil, errors.Newf(errors.KindPayloadSchemaInvalid, "malformed format %q", reg.Format)
	}
	if reg.Length, err = reqNonNegInt(m, "length"); err != nil {
		return nil, err
	}
	if reg.Format == "" && reg.Length != 0 {
		return nil, errors.New(errors.KindPayloadSchemaInvalid, "empty format requires zero length")
	}
	if reg.Format != "" && reg.Length == 0 {
		return nil, errors.New(errors.KindPayloadSchemaInvalid, "non-empty format requires positive length")
	}

	if reg.Settable, err = optBool(m, "settable", false); err != nil {
		return nil, err
	}
	if reg.Gettable, err = optBool(m, "gettable", false); err != nil {
		return nil, err
	}
	if reg.Min, err = optNumber(m, "min"); err != nil {
		return nil, err
	}
	if reg.Max, err = optNumber(m, "max"); err != nil {
		return nil, err
	}
	if reg.Step, err = optNumber(m, "step"); err != nil {
		return nil, err
	}
	if reg.UIHidden, err = optBool(m, "ui_hidden", false); err != nil {
		return nil, err
	}
	return reg, nil
}

// ParseLog validates a component log payload.
func ParseLog(payload []byte) (*model.LogRecord, error) {
	m, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	rawSev, ok := m["severity"]
	if !ok {
		return nil, errors.New(errors.KindUnknownLogLevel, `field "severity" is required`)
	}
	sev, ok := rawSev.(string)
	if !ok || !model.LogLevel(sev).Valid() {
		return nil, errors.Newf(errors.KindUnknownLogLevel, "unknown log level %v", rawSev)
	}
	rawText, ok := m["text"]
	if !ok {
		return nil, errors.New(errors.KindInvalidLogText, `field "text" is required`)
	}
	text, ok := rawText.(string)
	if !ok {
		return nil, errors.Newf(errors.KindInvalidLogText, "log text must be a string, got %T", rawText)
	}
	return &model.LogRecord{Severity: model.LogLevel(sev), Text: text}, nil
}
