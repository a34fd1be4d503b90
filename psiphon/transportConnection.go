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
	std_errors "errors"
	"sync"

	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
)

// ErrTryNextServer indicates the current candidate set failed in a way
// that another transport or server selection may succeed. Callers running
// the outer retry loop match it with errors.Is and advance to the next
// attempt. Full cleanup has always completed before it is returned.
var ErrTryNextServer = std_errors.New("try next server")

// WorkerError indicates an unexpected failure in a collaborator the caller
// does not retry around, such as a local proxy that cannot start. Callers
// match it with errors.As.
type WorkerError struct {
	Message string
}

func (err *WorkerError) Error() string {
	return "worker error: " + err.Message
}

// TransportConnection establishes one tunneled connection: it filters
// candidates for the transport, performs the pre or post handshake,
// connects the transport, starts a local proxy in front of it, and applies
// system proxy settings. After a successful Connect, WaitForDisconnect
// supervises the connection. A TransportConnection runs one attempt; a
// fresh instance is required after Cleanup.
type TransportConnection struct {
	config *Config

	mutex               sync.Mutex
	transport           Transport
	localProxy          *LocalProxy
	systemProxySettings *SystemProxySettings
	workerWaitGroup     *sync.WaitGroup
	sessionInfo         *SessionInfo
}

func NewTransportConnection(config *Config) *TransportConnection {
	return &TransportConnection{
		config: config,
	}
}

// Connect runs the connection pipeline against the given transport and
// candidate server entries. serverEntries is mutated in place: entries the
// transport cannot use are removed, and the remainder is truncated to the
// transport's multi-connect capacity, so after return it reflects the
// candidates that were actually attempted.
//
// When allowHandshake is false no handshake request is made; a transport
// requiring a pre-handshake then fails with ErrTryNextServer before any
// resources are acquired.
//
// On any failure, all acquired resources are released, with system proxy
// settings reverted first, before the error is returned. Candidate-level
// failures are reported as ErrTryNextServer; environment failures as
// WorkerError; other errors are passed through after cleanup.
func (connection *TransportConnection) Connect(
	ctx context.Context,
	transport Transport,
	serverEntries *ServerEntries,
	allowHandshake bool) error {

	connection.mutex.Lock()
	inUse := connection.transport != nil || connection.localProxy != nil
	connection.mutex.Unlock()
	if inUse {
		return errors.Trace(&WorkerError{Message: "connection already in use"})
	}

	candidates, err := makeCandidateServerEntries(
		transport, serverEntries, connection.config.SessionID)
	if err != nil {
		if std_errors.Is(err, ErrNoUsableServerEntries) {
			NoticeWarning("no server entries usable by transport %s", transport.ProtocolName())
			return errors.Trace(ErrTryNextServer)
		}
		return errors.Trace(err)
	}

	if candidates.requirePreHandshake && !allowHandshake {
		// The transport cannot proceed without a handshake it is
		// forbidden to perform.
		return errors.Trace(ErrTryNextServer)
	}

	connection.mutex.Lock()
	connection.transport = transport
	connection.systemProxySettings = NewSystemProxySettings()
	connection.workerWaitGroup = new(sync.WaitGroup)
	connection.mutex.Unlock()

	err = connection.establish(ctx, candidates, *serverEntries, allowHandshake)
	if err != nil {
		connection.Cleanup()

		var transportFailed *TransportFailedError
		if std_errors.As(err, &transportFailed) {
			NoticeWarning("transport failed: %s", transportFailed)
			return errors.Trace(ErrTryNextServer)
		}
		return errors.Trace(err)
	}

	NoticeActiveTunnel(
		connection.sessionInfo.ServerEntry.IpAddress, transport.ProtocolName())

	return nil
}

// establish runs the pipeline stages which require resource cleanup on
// failure. Connect invokes Cleanup on any error return.
func (connection *TransportConnection) establish(
	ctx context.Context,
	candidates *candidateServerEntries,
	knownServerEntries ServerEntries,
	allowHandshake bool) error {

	err := deleteLeftoverSplitTunnelRules(connection.config.SplitTunnelingFilePath)
	if err != nil {
		return errors.Trace(err)
	}

	if candidates.requirePreHandshake {
		handshakeOk, err := doHandshake(
			ctx,
			connection.config,
			connection.transport,
			serverRequestLevelFull,
			candidates.sessionInfos[0],
			knownServerEntries)
		if err != nil {
			return errors.Trace(err)
		}
		if !handshakeOk {
			return errors.Trace(ErrTryNextServer)
		}
	}

	for _, sessionInfo := range candidates.sessionInfos {
		NoticeConnectingServer(
			sessionInfo.ServerEntry.IpAddress,
			connection.transport.ProtocolName())
	}

	winningIndex, err := connection.transport.Connect(
		ctx,
		candidates.sessionInfos,
		connection.systemProxySettings,
		connection.workerWaitGroup)
	if err != nil {
		return errors.Trace(err)
	}
	if winningIndex < 0 || winningIndex >= len(candidates.sessionInfos) {
		return errors.Trace(&WorkerError{Message: "transport reported invalid winning index"})
	}
	connection.setSessionInfo(candidates.sessionInfos[winningIndex])

	localProxy := NewLocalProxy(
		connection.config, connection.transport.LocalProxyParentPort())
	if !localProxy.Start(connection.systemProxySettings, connection.workerWaitGroup) {
		return errors.Trace(&WorkerError{Message: "local proxy failed to start"})
	}
	connection.mutex.Lock()
	connection.localProxy = localProxy
	connection.mutex.Unlock()

	// Apply only after the local proxy is listening, so system traffic is
	// never directed at a port with no listener.
	err = connection.systemProxySettings.Apply()
	if err != nil {
		return errors.Trace(err)
	}

	if !candidates.requirePreHandshake && allowHandshake {
		// A working tunnel without fresh handshake metadata is still
		// usable, so any failure here is logged and ignored.
		handshakeOk, err := doHandshake(
			ctx,
			connection.config,
			connection.transport,
			serverRequestLevelOnlyIfTransport,
			connection.sessionInfo,
			knownServerEntries)
		if err != nil {
			NoticeWarning("post-connect handshake failed: %s", err)
		} else if !handshakeOk {
			NoticeInfo("post-connect handshake skipped or empty")
		}
	}

	connection.localProxy.UpdateSessionInfo(connection.sessionInfo)
	connection.transport.UpdateSessionInfo(connection.sessionInfo)

	return nil
}

// WaitForDisconnect blocks until the transport or the local proxy stops,
// or ctx is done, then stops both collaborators and runs cleanup. It is
// valid only after a successful Connect; calling it without an established
// connection is a WorkerError.
func (connection *TransportConnection) WaitForDisconnect(ctx context.Context) error {
	connection.mutex.Lock()
	transport := connection.transport
	localProxy := connection.localProxy
	connection.mutex.Unlock()

	if transport == nil || localProxy == nil {
		return errors.Trace(&WorkerError{Message: "no connection to await"})
	}

	select {
	case <-ctx.Done():
	case <-transport.StoppedSignal():
	case <-localProxy.StoppedSignal():
	}

	// Stop both regardless of which signal fired.
	transport.Stop()
	localProxy.Stop()

	connection.Cleanup()

	return nil
}

// Cleanup releases every resource held by the attempt, in a fixed order:
// system proxy settings are reverted first, so no traffic is routed
// through a proxy that is about to stop; then the transport is stopped
// and cleaned up; then the local proxy is stopped and released. Cleanup
// is idempotent and safe when some resources were never acquired.
func (connection *TransportConnection) Cleanup() {
	connection.mutex.Lock()
	systemProxySettings := connection.systemProxySettings
	transport := connection.transport
	localProxy := connection.localProxy
	workerWaitGroup := connection.workerWaitGroup
	connection.transport = nil
	connection.localProxy = nil
	connection.workerWaitGroup = nil
	connection.mutex.Unlock()

	if systemProxySettings != nil {
		systemProxySettings.Revert()
	}

	if transport != nil {
		transport.Stop()
		transport.Cleanup()
	}

	if localProxy != nil {
		localProxy.Stop()
	}

	if workerWaitGroup != nil {
		workerWaitGroup.Wait()
	}
}

// GetUpdatedSessionInfo returns the chosen candidate's session, including
// fields merged from the handshake. Valid after a successful Connect.
func (connection *TransportConnection) GetUpdatedSessionInfo() *SessionInfo {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	return connection.sessionInfo
}

func (connection *TransportConnection) setSessionInfo(sessionInfo *SessionInfo) {
	connection.mutex.Lock()
	defer connection.mutex.Unlock()
	connection.sessionInfo = sessionInfo
}
