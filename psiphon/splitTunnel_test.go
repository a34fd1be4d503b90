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
	"path/filepath"
	"testing"
)

func TestDeleteLeftoverSplitTunnelRules(t *testing.T) {

	filePath := filepath.Join(t.TempDir(), "split_tunnel_rules")

	// Absent file is not an error.
	err := deleteLeftoverSplitTunnelRules(filePath)
	if err != nil {
		t.Fatalf("expected no error for absent file: %s", err)
	}

	err = os.WriteFile(filePath, []byte("rules"), 0600)
	if err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}

	err = deleteLeftoverSplitTunnelRules(filePath)
	if err != nil {
		t.Fatalf("deleteLeftoverSplitTunnelRules failed: %s", err)
	}
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		t.Errorf("leftover file not deleted")
	}

	// Empty path is a no-op.
	err = deleteLeftoverSplitTunnelRules("")
	if err != nil {
		t.Fatalf("expected no error for empty path: %s", err)
	}
}

func TestDeleteLeftoverSplitTunnelRulesFailure(t *testing.T) {

	// A path whose parent is a file produces a non-NotExist error on
	// some platforms; a directory with contents reliably fails Remove.
	dirPath := filepath.Join(t.TempDir(), "rules_dir")
	err := os.Mkdir(dirPath, 0700)
	if err != nil {
		t.Fatalf("Mkdir failed: %s", err)
	}
	err = os.WriteFile(filepath.Join(dirPath, "entry"), []byte("x"), 0600)
	if err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}

	err = deleteLeftoverSplitTunnelRules(dirPath)
	if err == nil {
		t.Errorf("expected error removing non-empty directory")
	}
}
