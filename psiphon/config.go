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
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/jianhuaou/psiphon-windows/psiphon/common"
	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
)

const (
	HANDSHAKE_REQUEST_PATH            = "/handshake"
	CLIENT_SESSION_ID_LENGTH          = 16
	SERVER_REQUEST_TIMEOUT            = 20 * time.Second
	LOCAL_PROXY_PARENT_DIAL_TIMEOUT   = 10 * time.Second
	LOCAL_PROXY_ORIGIN_SERVER_TIMEOUT = 15 * time.Second
)

// Config specifies the runtime configuration for a connection attempt.
// Config is loaded from a JSON document in the same format used by other
// Psiphon clients.
type Config struct {

	// PropagationChannelId is a string identifier which indicates how the
	// client was distributed. This parameter is required.
	PropagationChannelId string

	// SponsorId is a string identifier which indicates who is sponsoring this
	// client. This parameter is required.
	SponsorId string

	// ClientVersion is the client version number that the client reports to
	// the server.
	ClientVersion string

	// ClientPlatform is the client platform ("Windows", "Android", etc.) that
	// the client reports to the server. Defaults to "Windows".
	ClientPlatform string

	// SessionID is a client session ID sent with all server API requests. One
	// session ID is used across all connection attempts made with one Config.
	// When blank, a new random session ID is generated by LoadConfig.
	SessionID string

	// LocalHttpProxyPort specifies a port number for the local HTTP proxy
	// run in front of an established tunnel. 0 selects any available port.
	LocalHttpProxyPort int

	// LocalSocksProxyPort specifies a port number for the local SOCKS proxy
	// run in front of an established tunnel. 0 selects any available port.
	LocalSocksProxyPort int

	// SplitTunnelingFilePath specifies where split tunneling rules are
	// written. A leftover rules file is deleted at the start of each
	// connection attempt.
	SplitTunnelingFilePath string
}

// LoadConfig parses and validates a JSON format config and returns a Config
// struct populated with config values.
func LoadConfig(configJson []byte) (*Config, error) {
	var config Config
	err := json.Unmarshal(configJson, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// These fields are required; the rest are optional.
	if config.PropagationChannelId == "" {
		return nil, errors.TraceNew(
			"propagation channel ID is missing from the configuration file")
	}
	if config.SponsorId == "" {
		return nil, errors.TraceNew(
			"sponsor ID is missing from the configuration file")
	}

	if config.ClientVersion == "" {
		config.ClientVersion = "0"
	}

	if config.ClientPlatform == "" {
		config.ClientPlatform = "Windows"
	}

	if config.SessionID == "" {
		config.SessionID, err = MakeSessionId()
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	NoticeSessionId(config.SessionID)

	return &config, nil
}

// MakeSessionId creates a new session ID. The same session ID is used across
// all connection attempts made with one Config, where each attempt derives
// its own per-candidate session info.
func MakeSessionId() (string, error) {
	randomId, err := common.MakeSecureRandomBytes(CLIENT_SESSION_ID_LENGTH)
	if err != nil {
		return "", errors.Trace(err)
	}
	return hex.EncodeToString(randomId), nil
}
