/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package psiphon

import (
	"os"

	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
)

// deleteLeftoverSplitTunnelRules removes a split tunneling rules file left
// behind by a previous connection, so stale rules are never served to a new
// session. A missing file is the normal case and not an error.
func deleteLeftoverSplitTunnelRules(filePath string) error {
	if filePath == "" {
		return nil
	}
	err := os.Remove(filePath)
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}
