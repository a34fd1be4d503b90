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
	"sync"
)

// Transport is the interface between the connection core and a concrete
// tunnel transport implementation. Transports are constructed, selected, and
// owned by the caller; the connection core stops a transport during cleanup
// but never releases it.
type Transport interface {

	// ProtocolName returns the transport's relay protocol name, as reported
	// to the server in the handshake request.
	ProtocolName() string

	// RequiresPreHandshake indicates whether a handshake must be performed
	// before this transport can connect to the given server entry. The
	// predicate is expected to be entry-invariant across one candidate
	// batch; the candidate filter enforces this.
	RequiresPreHandshake(serverEntry *ServerEntry) bool

	// MultiConnectCount is the maximum number of candidate connections the
	// transport will attempt in parallel.
	MultiConnectCount() int

	// Connect makes a tunnel connection, attempting, or racing, the given
	// candidates, possibly in parallel, and returns the index of the winning
	// candidate. Connect blocks until an outcome is known and must observe
	// ctx, unblocking promptly on cancellation. The transport may register
	// proxy ports with the given proxy settings and must register any worker
	// goroutines it launches with workerWaitGroup. Connection failures are
	// reported as a TransportFailedError.
	Connect(
		ctx context.Context,
		candidates []*SessionInfo,
		proxySettings *SystemProxySettings,
		workerWaitGroup *sync.WaitGroup) (int, error)

	// IsConnected indicates whether the transport currently has an
	// established tunnel.
	IsConnected() bool

	// LocalProxyParentPort is the local port on which the connected
	// transport accepts SOCKS connections to be forwarded through the
	// tunnel. The local proxy relays its traffic to this port.
	LocalProxyParentPort() int

	// UpdateSessionInfo delivers the chosen session, including fields newly
	// learned from the handshake, to the transport.
	UpdateSessionInfo(sessionInfo *SessionInfo)

	// Stop requests that the transport disconnect and halt its workers. Stop
	// must be idempotent.
	Stop()

	// Cleanup releases transport resources retained after Stop. Cleanup must
	// be idempotent and safe to call when Connect was never invoked.
	Cleanup()

	// StoppedSignal returns a channel which is closed once the transport has
	// stopped, whether by request or by unsupervised failure such as link
	// loss.
	StoppedSignal() <-chan struct{}
}

// TransportFailedError is reported by Transport.Connect when the connection
// attempt itself fails. The connection core does not fail over between
// transports; it maps this condition to ErrTryNextServer and returns control
// to the caller, which owns the retry loop.
type TransportFailedError struct {
	Err error
}

func (err *TransportFailedError) Error() string {
	if err.Err == nil {
		return "transport failed"
	}
	return "transport failed: " + err.Err.Error()
}

func (err *TransportFailedError) Unwrap() error {
	return err.Err
}
