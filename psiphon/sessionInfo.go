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
	"encoding/json"

	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
)

// SessionInfo is the mutable metadata for one candidate server under
// consideration. A SessionInfo is derived from a ServerEntry when the
// candidate list is constructed and is afterwards only additively merged:
// handshake responses and post-connect transport updates fill in fields, but
// the fields derived from the source ServerEntry are never re-derived.
//
// Exactly one SessionInfo becomes the chosen session once a connection
// succeeds; the others are discarded.
type SessionInfo struct {

	// Fields derived from the source ServerEntry at construction.
	ClientSessionID string
	ServerEntry     ServerEntry

	// Fields learned from the server via the handshake.
	SSHSessionID                      string
	Homepages                         []string
	UpgradeClientVersion              string
	PageViewRegexes                   []map[string]string
	HttpsRequestRegexes               []map[string]string
	DiscoveredServerEntries           ServerEntries
	ClientRegion                      string
	ServerTimestamp                   string
	UpstreamRateLimitBytesPerSecond   int64
	DownstreamRateLimitBytesPerSecond int64
}

// Set initializes the session info from its source server entry. Rate limits
// are initialized to -1 to distinguish the server omitting values in the
// handshake response from the zero value, which means unlimited rate.
func (sessionInfo *SessionInfo) Set(serverEntry ServerEntry, clientSessionID string) {
	sessionInfo.ClientSessionID = clientSessionID
	sessionInfo.ServerEntry = serverEntry
	sessionInfo.UpstreamRateLimitBytesPerSecond = -1
	sessionInfo.DownstreamRateLimitBytesPerSecond = -1
}

// handshakeResponse is the JSON payload of the handshake web API response.
type handshakeResponse struct {
	SSHSessionID             string              `json:"ssh_session_id,omitempty"`
	Homepages                []string            `json:"homepages,omitempty"`
	UpgradeClientVersion     string              `json:"upgrade_client_version,omitempty"`
	PageViewRegexes          []map[string]string `json:"page_view_regexes,omitempty"`
	HttpsRequestRegexes      []map[string]string `json:"https_request_regexes,omitempty"`
	EncodedServerList        []string            `json:"encoded_server_list,omitempty"`
	ClientRegion             string              `json:"client_region,omitempty"`
	ServerTimestamp          string              `json:"server_timestamp,omitempty"`
	UpstreamBytesPerSecond   int64               `json:"upstream_bytes_per_second,omitempty"`
	DownstreamBytesPerSecond int64               `json:"downstream_bytes_per_second,omitempty"`
}

var handshakeConfigLinePrefix = []byte("Config: ")

// ParseHandshakeResponse merges a handshake response body into the session
// info. The response is in the legacy web API format: a sequence of lines,
// of which the "Config: {...}" line carries the JSON payload; other legacy
// lines are skipped.
//
// The merge is additive and idempotent: fields delivered by the server
// replace their previous values wholesale, so applying the same response
// twice yields the same session state.
func (sessionInfo *SessionInfo) ParseHandshakeResponse(response []byte) error {

	var payload []byte
	for _, line := range bytes.Split(response, []byte("\n")) {
		if bytes.HasPrefix(line, handshakeConfigLinePrefix) {
			payload = line[len(handshakeConfigLinePrefix):]
			break
		}
	}
	if len(payload) == 0 {
		return errors.TraceNew("no config line found")
	}

	// Initialize these fields to distinguish between the server omitting
	// values in the response and the zero value, which means unlimited rate.
	parsedResponse := handshakeResponse{
		UpstreamBytesPerSecond:   -1,
		DownstreamBytesPerSecond: -1,
	}

	err := json.Unmarshal(payload, &parsedResponse)
	if err != nil {
		return errors.Trace(err)
	}

	discoveredServerEntries := make(ServerEntries, 0)
	for _, encodedServerEntry := range parsedResponse.EncodedServerList {
		serverEntry, err := DecodeServerEntry(encodedServerEntry)
		if err != nil {
			return errors.Trace(err)
		}
		if ValidateServerEntry(serverEntry) != nil {
			// Skip this entry and continue with the next one.
			NoticeWarning("skipping invalid discovered server entry")
			continue
		}
		discoveredServerEntries = append(discoveredServerEntries, *serverEntry)
	}

	sessionInfo.SSHSessionID = parsedResponse.SSHSessionID
	sessionInfo.Homepages = parsedResponse.Homepages
	sessionInfo.UpgradeClientVersion = parsedResponse.UpgradeClientVersion
	sessionInfo.PageViewRegexes = parsedResponse.PageViewRegexes
	sessionInfo.HttpsRequestRegexes = parsedResponse.HttpsRequestRegexes
	sessionInfo.DiscoveredServerEntries = discoveredServerEntries
	sessionInfo.ClientRegion = parsedResponse.ClientRegion
	sessionInfo.ServerTimestamp = parsedResponse.ServerTimestamp
	sessionInfo.UpstreamRateLimitBytesPerSecond = parsedResponse.UpstreamBytesPerSecond
	sessionInfo.DownstreamRateLimitBytesPerSecond = parsedResponse.DownstreamBytesPerSecond

	return nil
}
