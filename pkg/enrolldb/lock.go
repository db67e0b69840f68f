// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package enrolldb

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
)

// lockPollDelay is the spin interval while waiting for another mutator to
// release the lock directory.
const lockPollDelay = 200 * time.Millisecond

// Lock serializes mutators by creating the lock directory, retrying every
// 200ms while it exists. Directory-creation as a mutex isn't fancy, but it
// is stable, dependency-free, and trivially inspectable when something
// catastrophic happens: an operator who finds a stale "lock-" directory
// after a crash knows exactly what state they're in.
func (s *Store) Lock(ctx context.Context) error {
	return retry.Do(
		func() error {
			err := os.Mkdir(s.lockPath, 0755)
			if err == nil {
				return nil
			}
			if errors.Is(err, fs.ErrExist) {
				return err // somebody holds it; keep retrying
			}
			return retry.Unrecoverable(err)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(lockPollDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// Unlock releases the lock directory. It is deliberately not called on the
// catastrophic rollback-failed path: a held lock is the signal for manual
// intervention.
func (s *Store) Unlock() error {
	return os.Remove(s.lockPath)
}
