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
	"context"
	"net/url"
	"strconv"

	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
)

// doHandshake performs the handshake web API request for a candidate and
// merges the server's response into sessionInfo.
//
// The boolean result reports whether a handshake response was obtained and
// applied. A false result with a nil error means the request was skipped or
// the server returned an empty response; callers decide whether that is
// fatal for the attempt. A failed request or a malformed response is an
// error wrapping ErrTryNextServer, as it indicates a server that cannot be
// used; only a cancelled context propagates as a plain error.
func doHandshake(
	ctx context.Context,
	config *Config,
	transport Transport,
	level serverRequestLevel,
	sessionInfo *SessionInfo,
	knownServerEntries ServerEntries) (bool, error) {

	requestPath := makeHandshakeRequestPath(
		config, transport, sessionInfo, knownServerEntries)

	body, err := makeServerRequest(
		ctx, level, transport, &sessionInfo.ServerEntry, requestPath)
	if err != nil {
		if ctx.Err() != nil {
			return false, errors.Trace(err)
		}
		NoticeWarning("handshake request failed: %s", err)
		return false, errors.Trace(ErrTryNextServer)
	}

	if len(body) == 0 {
		return false, nil
	}

	err = sessionInfo.ParseHandshakeResponse(body)
	if err != nil {
		NoticeWarning("invalid handshake response: %s", err)
		return false, errors.Trace(ErrTryNextServer)
	}

	NoticeClientRegion(sessionInfo.ClientRegion)
	NoticeServerTimestamp(sessionInfo.ServerTimestamp)

	for _, homepage := range sessionInfo.Homepages {
		NoticeHomepage(homepage)
	}

	if isUpgradeAvailable(config.ClientVersion, sessionInfo.UpgradeClientVersion) {
		NoticeClientUpgradeAvailable(sessionInfo.UpgradeClientVersion)
	}

	return true, nil
}

// makeHandshakeRequestPath assembles the handshake request path and query.
// Every known server entry is reported so the server can limit discovery
// to entries the client doesn't already have.
func makeHandshakeRequestPath(
	config *Config,
	transport Transport,
	sessionInfo *SessionInfo,
	knownServerEntries ServerEntries) string {

	params := url.Values{}
	params.Set("client_session_id", sessionInfo.ClientSessionID)
	params.Set("propagation_channel_id", config.PropagationChannelId)
	params.Set("sponsor_id", config.SponsorId)
	params.Set("client_version", config.ClientVersion)
	params.Set("client_platform", config.ClientPlatform)
	params.Set("server_secret", sessionInfo.ServerEntry.WebServerSecret)
	params.Set("relay_protocol", transport.ProtocolName())
	for _, serverEntry := range knownServerEntries {
		params.Add("known_server", serverEntry.IpAddress)
	}

	return HANDSHAKE_REQUEST_PATH + "?" + params.Encode()
}

// isUpgradeAvailable reports whether the server advertises a client version
// newer than the running one. Versions are numeric strings; an unparsable
// value on either side means no upgrade.
func isUpgradeAvailable(clientVersion, upgradeVersion string) bool {
	if upgradeVersion == "" {
		return false
	}
	current, err := strconv.Atoi(clientVersion)
	if err != nil {
		return false
	}
	upgrade, err := strconv.Atoi(upgradeVersion)
	if err != nil {
		return false
	}
	return upgrade > current
}
