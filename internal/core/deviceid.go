// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package core

import (
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/firezone/client-core/internal/errors"
)

// DeviceID is the stable per-device identifier created on first run by
// the host and merely read, never managed, by the core.
type DeviceID string

// LoadDeviceID reads the device id persisted at path. The core never
// creates this file itself; a missing file is the host's bug, not
// something this package papers over.
func LoadDeviceID(path string) (DeviceID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "core: failed to read device id")
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", errors.New(errors.KindInternal, "core: device id file is empty")
	}
	return DeviceID(id), nil
}

// LoginParam reports the value BuildLoginURL's ExternalID should carry
// for this device and whether raw parses as a UUID, matching the
// portal's own "hash if UUID, else pass through" rule
// (internal/portal.ExternalIDFor performs the actual hashing; this
// method exists purely so callers can introspect the classification
// without duplicating the hashing logic here).
func (d DeviceID) LoginParam() (raw string, isUUID bool) {
	_, err := uuid.Parse(string(d))
	return string(d), err == nil
}
