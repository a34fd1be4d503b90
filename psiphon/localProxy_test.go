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
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
	"golang.org/x/net/proxy"
)

// testSocksServer is a SOCKS server standing in for a transport's parent
// proxy port. It connects directly to the requested target.
type testSocksServer struct {
	connectionCount int32

	listener *pt.SocksListener
	port     int
}

func startTestSocksServer(t *testing.T) *testSocksServer {
	listener, err := pt.ListenSocks("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenSocks failed: %s", err)
	}
	server := &testSocksServer{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
	}
	go func() {
		for {
			socksConn, err := listener.AcceptSocks()
			if err != nil {
				return
			}
			go server.handleConnection(socksConn)
		}
	}()
	return server
}

func (server *testSocksServer) handleConnection(socksConn *pt.SocksConn) {
	defer socksConn.Close()
	atomic.AddInt32(&server.connectionCount, 1)
	remoteConn, err := net.Dial("tcp", socksConn.Req.Target)
	if err != nil {
		socksConn.Reject()
		return
	}
	defer remoteConn.Close()
	err = socksConn.Grant(&net.TCPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return
	}
	LocalProxyRelay("test", socksConn, remoteConn)
}

func (server *testSocksServer) stop() {
	server.listener.Close()
}

func startTestLocalProxy(t *testing.T, parentPort int) *LocalProxy {
	config := &Config{
		PropagationChannelId: "0",
		SponsorId:            "0",
		SessionID:            "00000000000000000000000000000000",
	}
	localProxy := NewLocalProxy(config, parentPort)
	workerWaitGroup := new(sync.WaitGroup)
	if !localProxy.Start(NewSystemProxySettings(), workerWaitGroup) {
		t.Fatalf("local proxy failed to start")
	}
	return localProxy
}

func TestLocalProxyHttpRelay(t *testing.T) {

	origin := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("origin response"))
		}))
	defer origin.Close()

	socksServer := startTestSocksServer(t)
	defer socksServer.stop()

	localProxy := startTestLocalProxy(t, socksServer.port)
	defer localProxy.Stop()

	proxyUrl, err := url.Parse(
		fmt.Sprintf("http://127.0.0.1:%d", localProxy.HttpProxyPort()))
	if err != nil {
		t.Fatalf("url.Parse failed: %s", err)
	}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyUrl)},
		Timeout:   5 * time.Second,
	}

	response, err := client.Get(origin.URL)
	if err != nil {
		t.Fatalf("proxied request failed: %s", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading response failed: %s", err)
	}
	if string(body) != "origin response" {
		t.Errorf("unexpected response body: %s", body)
	}
}

func TestLocalProxyHttpConnectRelay(t *testing.T) {

	origin := httptest.NewTLSServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("origin response"))
		}))
	defer origin.Close()

	socksServer := startTestSocksServer(t)
	defer socksServer.stop()

	localProxy := startTestLocalProxy(t, socksServer.port)
	defer localProxy.Stop()

	proxyUrl, err := url.Parse(
		fmt.Sprintf("http://127.0.0.1:%d", localProxy.HttpProxyPort()))
	if err != nil {
		t.Fatalf("url.Parse failed: %s", err)
	}
	transport := origin.Client().Transport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(proxyUrl)
	client := &http.Client{
		Transport: transport,
		Timeout:   5 * time.Second,
	}

	response, err := client.Get(origin.URL)
	if err != nil {
		t.Fatalf("proxied request failed: %s", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading response failed: %s", err)
	}
	if string(body) != "origin response" {
		t.Errorf("unexpected response body: %s", body)
	}
}

func TestLocalProxySocksRelay(t *testing.T) {

	origin := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("origin response"))
		}))
	defer origin.Close()

	socksServer := startTestSocksServer(t)
	defer socksServer.stop()

	localProxy := startTestLocalProxy(t, socksServer.port)
	defer localProxy.Stop()

	socksDialer, err := proxy.SOCKS5(
		"tcp",
		fmt.Sprintf("127.0.0.1:%d", localProxy.SocksProxyPort()),
		nil,
		proxy.Direct)
	if err != nil {
		t.Fatalf("proxy.SOCKS5 failed: %s", err)
	}
	client := &http.Client{
		Transport: &http.Transport{Dial: socksDialer.Dial},
		Timeout:   5 * time.Second,
	}

	response, err := client.Get(origin.URL)
	if err != nil {
		t.Fatalf("proxied request failed: %s", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading response failed: %s", err)
	}
	if string(body) != "origin response" {
		t.Errorf("unexpected response body: %s", body)
	}
}

func TestLocalProxyStartFailsWithoutParent(t *testing.T) {

	// Grab a port with no listener behind it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %s", err)
	}
	unreachablePort := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	config := &Config{
		PropagationChannelId: "0",
		SponsorId:            "0",
	}
	localProxy := NewLocalProxy(config, unreachablePort)
	workerWaitGroup := new(sync.WaitGroup)

	if localProxy.Start(NewSystemProxySettings(), workerWaitGroup) {
		t.Fatalf("expected local proxy start failure")
	}

	// Stop after a failed Start must not hang.
	localProxy.Stop()
	workerWaitGroup.Wait()
}

func TestLocalProxyStopIsIdempotent(t *testing.T) {

	socksServer := startTestSocksServer(t)
	defer socksServer.stop()

	localProxy := startTestLocalProxy(t, socksServer.port)

	localProxy.Stop()
	localProxy.Stop()

	select {
	case <-localProxy.StoppedSignal():
	default:
		t.Errorf("expected stopped signal after Stop")
	}
}

func TestLocalProxyRegistersPorts(t *testing.T) {

	socksServer := startTestSocksServer(t)
	defer socksServer.stop()

	config := &Config{
		PropagationChannelId: "0",
		SponsorId:            "0",
	}
	localProxy := NewLocalProxy(config, socksServer.port)
	workerWaitGroup := new(sync.WaitGroup)
	systemProxySettings := NewSystemProxySettings()

	if !localProxy.Start(systemProxySettings, workerWaitGroup) {
		t.Fatalf("local proxy failed to start")
	}
	defer localProxy.Stop()

	if systemProxySettings.httpProxyPort != localProxy.HttpProxyPort() {
		t.Errorf("HTTP proxy port not registered")
	}
	if systemProxySettings.socksProxyPort != localProxy.SocksProxyPort() {
		t.Errorf("SOCKS proxy port not registered")
	}
}
