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
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
	"github.com/elazarl/goproxy"
	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

// LocalProxyStatsCollector receives byte counts for traffic relayed
// through a local proxy.
type LocalProxyStatsCollector interface {
	AddSentBytes(bytes int64)
	AddReceivedBytes(bytes int64)
}

// LocalProxy runs a local HTTP proxy and a local SOCKS proxy which relay
// client traffic through a transport's parent SOCKS port. Ports are
// registered with the supplied SystemProxySettings before listeners begin
// accepting, so settings applied after a successful Start reference live
// listeners.
type LocalProxy struct {
	sentBytes     int64
	receivedBytes int64

	config     *Config
	parentPort int

	parentDialer proxy.Dialer

	httpListener  net.Listener
	socksListener *pt.SocksListener

	httpProxyPort  int
	socksProxyPort int

	openConns      *Conns
	serveWaitGroup *sync.WaitGroup

	started  bool
	stopOnce sync.Once
	stopped  chan struct{}

	mutex             sync.Mutex
	upstreamLimiter   *rate.Limiter
	downstreamLimiter *rate.Limiter
}

// NewLocalProxy initializes a LocalProxy for the given transport parent
// SOCKS port. Call Start to open listeners and begin relaying.
func NewLocalProxy(config *Config, parentPort int) *LocalProxy {
	return &LocalProxy{
		config:         config,
		parentPort:     parentPort,
		openConns:      NewConns(),
		serveWaitGroup: new(sync.WaitGroup),
		stopped:        make(chan struct{}),
	}
}

// Start opens the HTTP and SOCKS listeners and launches accept loop workers
// on workerWaitGroup. Start returns false, without holding any resources,
// when the transport parent port is unreachable or a configured local port
// is already in use. The caller treats a false return as a worker failure,
// not a candidate failure.
func (localProxy *LocalProxy) Start(
	systemProxySettings *SystemProxySettings,
	workerWaitGroup *sync.WaitGroup) bool {

	parentAddr := fmt.Sprintf("127.0.0.1:%d", localProxy.parentPort)

	// Probe the parent port before opening listeners. A transport that
	// reported success but exposes no parent SOCKS port is a broken
	// environment, not a bad server.
	probeConn, err := net.DialTimeout("tcp", parentAddr, LOCAL_PROXY_PARENT_DIAL_TIMEOUT)
	if err != nil {
		NoticeLocalProxyError("parent", errors.Trace(err))
		return false
	}
	probeConn.Close()

	parentDialer, err := proxy.SOCKS5("tcp", parentAddr, nil, proxy.Direct)
	if err != nil {
		NoticeLocalProxyError("parent", errors.Trace(err))
		return false
	}
	localProxy.parentDialer = parentDialer

	httpListener, err := net.Listen(
		"tcp", fmt.Sprintf("127.0.0.1:%d", localProxy.config.LocalHttpProxyPort))
	if err != nil {
		if localProxy.config.LocalHttpProxyPort != 0 {
			NoticeHttpProxyPortInUse(localProxy.config.LocalHttpProxyPort)
		} else {
			NoticeLocalProxyError("HTTP", errors.Trace(err))
		}
		return false
	}

	socksListener, err := pt.ListenSocks(
		"tcp", fmt.Sprintf("127.0.0.1:%d", localProxy.config.LocalSocksProxyPort))
	if err != nil {
		httpListener.Close()
		if localProxy.config.LocalSocksProxyPort != 0 {
			NoticeSocksProxyPortInUse(localProxy.config.LocalSocksProxyPort)
		} else {
			NoticeLocalProxyError("SOCKS", errors.Trace(err))
		}
		return false
	}

	localProxy.httpListener = httpListener
	localProxy.socksListener = socksListener
	localProxy.httpProxyPort = httpListener.Addr().(*net.TCPAddr).Port
	localProxy.socksProxyPort = socksListener.Addr().(*net.TCPAddr).Port

	if systemProxySettings != nil {
		systemProxySettings.SetHttpProxyPort(localProxy.httpProxyPort)
		systemProxySettings.SetHttpsProxyPort(localProxy.httpProxyPort)
		systemProxySettings.SetSocksProxyPort(localProxy.socksProxyPort)
	}

	NoticeListeningHttpProxyPort(localProxy.httpProxyPort)
	NoticeListeningSocksProxyPort(localProxy.socksProxyPort)

	localProxy.started = true

	workerWaitGroup.Add(2)
	localProxy.serveWaitGroup.Add(2)
	go func() {
		defer workerWaitGroup.Done()
		defer localProxy.serveWaitGroup.Done()
		localProxy.serveHttp()
	}()
	go func() {
		defer workerWaitGroup.Done()
		defer localProxy.serveWaitGroup.Done()
		localProxy.serveSocks()
	}()
	go func() {
		localProxy.serveWaitGroup.Wait()
		localProxy.ReportStats()
		close(localProxy.stopped)
	}()

	return true
}

// HttpProxyPort returns the listening HTTP proxy port. Valid after a
// successful Start.
func (localProxy *LocalProxy) HttpProxyPort() int {
	return localProxy.httpProxyPort
}

// SocksProxyPort returns the listening SOCKS proxy port. Valid after a
// successful Start.
func (localProxy *LocalProxy) SocksProxyPort() int {
	return localProxy.socksProxyPort
}

// UpdateSessionInfo applies per-session traffic rate limits learned from
// the handshake. A negative rate means unthrottled. Limits take effect for
// subsequently relayed connections.
func (localProxy *LocalProxy) UpdateSessionInfo(sessionInfo *SessionInfo) {
	localProxy.mutex.Lock()
	defer localProxy.mutex.Unlock()

	localProxy.upstreamLimiter = makeRateLimiter(
		sessionInfo.UpstreamRateLimitBytesPerSecond)
	localProxy.downstreamLimiter = makeRateLimiter(
		sessionInfo.DownstreamRateLimitBytesPerSecond)

	if localProxy.upstreamLimiter != nil || localProxy.downstreamLimiter != nil {
		NoticeTrafficRateLimits(
			sessionInfo.UpstreamRateLimitBytesPerSecond,
			sessionInfo.DownstreamRateLimitBytesPerSecond)
	}
}

func makeRateLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond < 0 {
		return nil
	}
	// Burst of one second of traffic keeps short transfers responsive
	// while holding the sustained rate.
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

func (localProxy *LocalProxy) limiters() (*rate.Limiter, *rate.Limiter) {
	localProxy.mutex.Lock()
	defer localProxy.mutex.Unlock()
	return localProxy.upstreamLimiter, localProxy.downstreamLimiter
}

// AddSentBytes implements LocalProxyStatsCollector.
func (localProxy *LocalProxy) AddSentBytes(bytes int64) {
	atomic.AddInt64(&localProxy.sentBytes, bytes)
}

// AddReceivedBytes implements LocalProxyStatsCollector.
func (localProxy *LocalProxy) AddReceivedBytes(bytes int64) {
	atomic.AddInt64(&localProxy.receivedBytes, bytes)
}

// ReportStats emits a bytes transferred notice and resets the counters.
func (localProxy *LocalProxy) ReportStats() {
	sent := atomic.SwapInt64(&localProxy.sentBytes, 0)
	received := atomic.SwapInt64(&localProxy.receivedBytes, 0)
	if sent > 0 || received > 0 {
		NoticeBytesTransferred(sent, received)
	}
}

// Stop closes the listeners and all open relayed connections, then waits
// for the accept loops to exit. Stop is idempotent and a no-op wait when
// Start was never called or failed.
func (localProxy *LocalProxy) Stop() {
	localProxy.triggerStop()
	if localProxy.started {
		<-localProxy.stopped
	}
}

// triggerStop interrupts the accept loops and open connections without
// waiting, so an accept loop failing on its own can initiate shutdown.
func (localProxy *LocalProxy) triggerStop() {
	localProxy.stopOnce.Do(func() {
		if localProxy.httpListener != nil {
			localProxy.httpListener.Close()
		}
		if localProxy.socksListener != nil {
			localProxy.socksListener.Close()
		}
		localProxy.openConns.CloseAll()
	})
}

// StoppedSignal returns a channel which is closed when the proxy has
// stopped, either via Stop or after an unrecoverable accept failure.
func (localProxy *LocalProxy) StoppedSignal() <-chan struct{} {
	return localProxy.stopped
}

// dialParent makes a tunneled connection through the transport's parent
// SOCKS port. Byte stats and any session traffic rate limits are applied
// here, so both the HTTP and SOCKS relay paths are covered.
func (localProxy *LocalProxy) dialParent(network, addr string) (net.Conn, error) {
	conn, err := localProxy.parentDialer.Dial(network, addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !localProxy.openConns.Add(conn) {
		conn.Close()
		return nil, errors.TraceNew("local proxy stopped")
	}
	upstreamLimiter, downstreamLimiter := localProxy.limiters()
	return &localProxyConn{
		Conn:              conn,
		localProxy:        localProxy,
		upstreamLimiter:   upstreamLimiter,
		downstreamLimiter: downstreamLimiter,
	}, nil
}

func (localProxy *LocalProxy) serveSocks() {
	defer localProxy.triggerStop()
	for {
		socksConn, err := localProxy.socksListener.AcceptSocks()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
				NoticeLocalProxyError("SOCKS", errors.Trace(err))
				continue
			}
			// Listener closed.
			return
		}
		go localProxy.relaySocksConnection(socksConn)
	}
}

func (localProxy *LocalProxy) relaySocksConnection(socksConn *pt.SocksConn) {
	defer socksConn.Close()

	remoteConn, err := localProxy.dialParent("tcp", socksConn.Req.Target)
	if err != nil {
		socksConn.Reject()
		NoticeLocalProxyError("SOCKS", errors.Trace(err))
		return
	}
	defer remoteConn.Close()

	err = socksConn.Grant(&net.TCPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		NoticeLocalProxyError("SOCKS", errors.Trace(err))
		return
	}

	if !localProxy.openConns.Add(socksConn) {
		return
	}
	defer localProxy.openConns.Remove(socksConn)

	LocalProxyRelay("SOCKS", socksConn, remoteConn)
}

func (localProxy *LocalProxy) serveHttp() {
	defer localProxy.triggerStop()

	// All relayed traffic, both CONNECT tunnels and plain proxied requests,
	// is dialed through the transport's parent SOCKS port.
	httpProxy := goproxy.NewProxyHttpServer()
	httpProxy.Logger = log.New(io.Discard, "", 0)
	httpProxy.Tr = &http.Transport{
		Dial:                  localProxy.dialParent,
		ResponseHeaderTimeout: LOCAL_PROXY_ORIGIN_SERVER_TIMEOUT,
	}
	httpProxy.ConnectDial = localProxy.dialParent

	server := &http.Server{
		Handler: httpProxy,
	}

	// Serve returns on listener close.
	server.Serve(localProxy.httpListener)
	httpProxy.Tr.CloseIdleConnections()
}

// localProxyConn is a relayed connection to the parent SOCKS port. It
// counts transferred bytes and enforces the session's traffic rate limits.
// A nil limiter means unthrottled in that direction.
type localProxyConn struct {
	net.Conn
	localProxy        *LocalProxy
	upstreamLimiter   *rate.Limiter
	downstreamLimiter *rate.Limiter
}

func (conn *localProxyConn) Read(buffer []byte) (int, error) {
	n, err := conn.Conn.Read(buffer)
	if n > 0 {
		conn.localProxy.AddReceivedBytes(int64(n))
		if conn.downstreamLimiter != nil {
			waitErr := waitRateLimiter(conn.downstreamLimiter, n)
			if waitErr != nil && err == nil {
				err = errors.Trace(waitErr)
			}
		}
	}
	return n, err
}

func (conn *localProxyConn) Write(buffer []byte) (int, error) {
	if conn.upstreamLimiter != nil {
		err := waitRateLimiter(conn.upstreamLimiter, len(buffer))
		if err != nil {
			return 0, errors.Trace(err)
		}
	}
	n, err := conn.Conn.Write(buffer)
	if n > 0 {
		conn.localProxy.AddSentBytes(int64(n))
	}
	return n, err
}

func (conn *localProxyConn) Close() error {
	conn.localProxy.openConns.Remove(conn.Conn)
	return conn.Conn.Close()
}

// waitRateLimiter applies a rate limit to a transfer of count bytes,
// splitting counts that exceed the limiter burst size.
func waitRateLimiter(limiter *rate.Limiter, count int) error {
	burst := limiter.Burst()
	if burst <= 0 {
		return errors.TraceNew("rate limited to zero")
	}
	for count > 0 {
		wait := count
		if wait > burst {
			wait = burst
		}
		err := limiter.WaitN(context.Background(), wait)
		if err != nil {
			return errors.Trace(err)
		}
		count -= wait
	}
	return nil
}
