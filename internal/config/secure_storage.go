// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"syscall"

	"github.com/firezone/client-core/internal/errors"
)

// SecureReadFile reads a file after checking it isn't group/world
// readable and is owned by the current user, refusing a token file
// that got written down with loose permissions instead of silently
// trusting it.
func SecureReadFile(filename string) ([]byte, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "config: failed to stat file")
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if int(stat.Uid) != os.Getuid() {
			return nil, errors.New(errors.KindInternal, "config: file is not owned by current user")
		}
		if info.Mode()&0o077 != 0 {
			return nil, errors.Errorf(errors.KindInternal, "config: file has insecure permissions: %s", info.Mode())
		}
	}

	return os.ReadFile(filename)
}
