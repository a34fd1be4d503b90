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
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net"
	"strings"

	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
)

// ServerEntry represents a Psiphon server. It contains information about how
// to establish a tunnel connection to the server through several protocols.
// ServerEntry are JSON records downloaded from various sources.
//
// The connection core treats the caller-supplied list of server entries as
// borrowed: entries may be removed or the list truncated in place, but entry
// contents are never modified and entries are never added.
type ServerEntry struct {
	IpAddress            string   `json:"ipAddress"`
	WebServerPort        string   `json:"webServerPort"` // not an int
	WebServerSecret      string   `json:"webServerSecret"`
	WebServerCertificate string   `json:"webServerCertificate"`
	SshPort              int      `json:"sshPort"`
	SshUsername          string   `json:"sshUsername"`
	SshPassword          string   `json:"sshPassword"`
	SshHostKey           string   `json:"sshHostKey"`
	SshObfuscatedPort    int      `json:"sshObfuscatedPort"`
	SshObfuscatedKey     string   `json:"sshObfuscatedKey"`
	Capabilities         []string `json:"capabilities"`
	Region               string   `json:"region"`
}

// ServerEntries is an ordered list of candidate servers, in ranked order.
type ServerEntries []ServerEntry

// DecodeServerEntry extracts a server entry from the encoding used by remote
// server lists and server handshake responses.
func DecodeServerEntry(encodedServerEntry string) (*ServerEntry, error) {
	hexDecodedServerEntry, err := hex.DecodeString(encodedServerEntry)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Skip past the legacy format (4 space delimited fields) and just parse
	// the JSON config.
	fields := bytes.SplitN(hexDecodedServerEntry, []byte(" "), 5)
	if len(fields) != 5 {
		return nil, errors.TraceNew("invalid encoded server entry")
	}
	serverEntry := new(ServerEntry)
	err = json.Unmarshal(fields[4], serverEntry)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return serverEntry, nil
}

// ValidateServerEntry checks for malformed server entries. Currently, it
// checks for a valid ipAddress. This is important since handshake requests
// submit back to the server a list of known server IP addresses and the
// handshake API expects well-formed inputs.
func ValidateServerEntry(serverEntry *ServerEntry) error {
	ipAddr := net.ParseIP(serverEntry.IpAddress)
	if ipAddr == nil {
		return errors.Tracef(
			"server entry has invalid ipAddress: %q", serverEntry.IpAddress)
	}
	return nil
}

// DecodeAndValidateServerEntryList extracts server entries from the list
// encoding used by remote server lists and server handshake responses. Each
// server entry is validated and invalid entries are skipped.
func DecodeAndValidateServerEntryList(encodedServerEntryList string) (ServerEntries, error) {
	serverEntries := make(ServerEntries, 0)
	for _, encodedServerEntry := range strings.Split(encodedServerEntryList, "\n") {
		if len(encodedServerEntry) == 0 {
			continue
		}

		serverEntry, err := DecodeServerEntry(encodedServerEntry)
		if err != nil {
			return nil, errors.Trace(err)
		}

		if ValidateServerEntry(serverEntry) != nil {
			// Skip this entry and continue with the next one.
			NoticeWarning("skipping invalid server entry")
			continue
		}

		serverEntries = append(serverEntries, *serverEntry)
	}
	return serverEntries, nil
}
