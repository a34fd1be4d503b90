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
	"fmt"
	"os"
	"sync"

	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
)

// SystemProxySettings collects the local proxy ports registered by the
// transport and the local proxy during connection establishment, and applies
// them as the process-wide proxy configuration once the local proxy is
// listening.
//
// The process-wide effect is implemented with the standard proxy environment
// variables (HTTP_PROXY, HTTPS_PROXY, ALL_PROXY), which the net/http default
// transport, and most subprocesses, honor. Platform mechanisms such as the
// Windows registry are the responsibility of an outer component.
//
// Apply and Revert have an exactly-once-per-apply contract: Revert is safe
// to call repeatedly and when Apply was never called, but reverts at most
// once per apply. One SystemProxySettings is owned by one connection attempt.
type SystemProxySettings struct {
	mutex            sync.Mutex
	httpProxyPort    int
	httpsProxyPort   int
	socksProxyPort   int
	applied          bool
	appliedNames     []string
	savedEnvironment map[string]string
}

func NewSystemProxySettings() *SystemProxySettings {
	return &SystemProxySettings{}
}

// SetHttpProxyPort registers the local HTTP proxy listen port.
func (settings *SystemProxySettings) SetHttpProxyPort(port int) {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	settings.httpProxyPort = port
}

// SetHttpsProxyPort registers the local proxy listen port for HTTPS traffic.
func (settings *SystemProxySettings) SetHttpsProxyPort(port int) {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	settings.httpsProxyPort = port
}

// SetSocksProxyPort registers the local SOCKS proxy listen port.
func (settings *SystemProxySettings) SetSocksProxyPort(port int) {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	settings.socksProxyPort = port
}

// Apply activates the collected proxy ports as the process-wide proxy
// configuration. Apply must be called only once a local proxy is listening
// on the registered ports.
func (settings *SystemProxySettings) Apply() error {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()

	if settings.applied {
		return errors.TraceNew("proxy settings already applied")
	}

	environment := make(map[string]string)
	if settings.httpProxyPort != 0 {
		environment["HTTP_PROXY"] = fmt.Sprintf("http://127.0.0.1:%d", settings.httpProxyPort)
	}
	if settings.httpsProxyPort != 0 {
		environment["HTTPS_PROXY"] = fmt.Sprintf("http://127.0.0.1:%d", settings.httpsProxyPort)
	}
	if settings.socksProxyPort != 0 {
		environment["ALL_PROXY"] = fmt.Sprintf("socks5://127.0.0.1:%d", settings.socksProxyPort)
	}

	if len(environment) == 0 {
		// No ports were registered; nothing to apply or revert.
		return nil
	}

	settings.savedEnvironment = make(map[string]string)
	for name, value := range environment {
		if previousValue, ok := os.LookupEnv(name); ok {
			settings.savedEnvironment[name] = previousValue
		}
		err := os.Setenv(name, value)
		if err != nil {
			settings.revert()
			return errors.Trace(err)
		}
		settings.appliedNames = append(settings.appliedNames, name)
		settings.applied = true
	}

	return nil
}

// Revert restores the proxy configuration that was in place before Apply.
// Revert is idempotent and a no-op when Apply was never called or applied
// nothing.
func (settings *SystemProxySettings) Revert() {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	settings.revert()
}

// IsApplied indicates whether the process-wide proxy configuration is
// currently applied.
func (settings *SystemProxySettings) IsApplied() bool {
	settings.mutex.Lock()
	defer settings.mutex.Unlock()
	return settings.applied
}

func (settings *SystemProxySettings) revert() {

	if !settings.applied {
		return
	}

	for _, name := range settings.appliedNames {
		previousValue, ok := settings.savedEnvironment[name]
		var err error
		if ok {
			err = os.Setenv(name, previousValue)
		} else {
			err = os.Unsetenv(name)
		}
		if err != nil {
			NoticeWarning("revert proxy setting %s failed: %v", name, err)
		}
	}

	settings.appliedNames = nil
	settings.savedEnvironment = nil
	settings.applied = false
}
