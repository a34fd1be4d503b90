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
	"io"
	"net"
	"sync"

	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
)

// Conns tracks the open connections relayed by a local proxy, so a stopping
// proxy can interrupt all of its in-flight relays at once. A Conns is
// single-use: after CloseAll, Add fails and the caller abandons its
// connection.
type Conns struct {
	mutex    sync.Mutex
	isClosed bool
	conns    map[net.Conn]bool
}

func NewConns() *Conns {
	return &Conns{
		conns: make(map[net.Conn]bool),
	}
}

// Add registers an open connection for group close. The return value is
// false once CloseAll has run; the connection is not retained in that case.
func (conns *Conns) Add(conn net.Conn) bool {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	if conns.isClosed {
		return false
	}
	conns.conns[conn] = true
	return true
}

// Remove unregisters a connection which has completed its relay.
func (conns *Conns) Remove(conn net.Conn) {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	delete(conns.conns, conn)
}

// CloseAll closes every tracked connection and rejects subsequent Adds.
func (conns *Conns) CloseAll() {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	conns.isClosed = true
	for conn := range conns.conns {
		conn.Close()
	}
	conns.conns = nil
}

// RelayCopyBuffer performs an io.Copy using a fixed-size buffer so
// sustained relays don't grow per-connection memory.
func RelayCopyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buffer := make([]byte, 32*1024)
	n, err := io.CopyBuffer(dst, src, buffer)
	if err != nil {
		return n, errors.Trace(err)
	}
	return n, nil
}

// LocalProxyRelay sends to remoteConn bytes received from localConn,
// and sends to localConn bytes received from remoteConn. Errors, other
// than expected shutdown cases, are reported as repetitive notices
// keyed by proxyType.
func LocalProxyRelay(proxyType string, localConn, remoteConn net.Conn) {
	copyWaitGroup := new(sync.WaitGroup)
	copyWaitGroup.Add(1)

	go func() {
		defer copyWaitGroup.Done()
		_, err := RelayCopyBuffer(remoteConn, localConn)
		if err != nil {
			NoticeLocalProxyError(proxyType, errors.Trace(err))
		}
		// Close both ends to interrupt the other direction.
		localConn.Close()
		remoteConn.Close()
	}()

	_, err := RelayCopyBuffer(localConn, remoteConn)
	if err != nil {
		NoticeLocalProxyError(proxyType, errors.Trace(err))
	}
	localConn.Close()
	remoteConn.Close()

	copyWaitGroup.Wait()
}
