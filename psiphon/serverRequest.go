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
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
	"golang.org/x/net/proxy"
)

// serverRequestLevel selects which routes a server web request may use.
type serverRequestLevel int

const (
	// serverRequestLevelFull allows a direct connection to the server's
	// web server port, authenticated by its pinned certificate, in
	// addition to a tunneled route. Used before a transport is up.
	serverRequestLevelFull serverRequestLevel = iota

	// serverRequestLevelOnlyIfTransport allows only a route through a
	// connected transport. When no transport is connected the request
	// is skipped, not failed.
	serverRequestLevelOnlyIfTransport
)

// makeServerRequest performs a web API request to the candidate's server.
// The response body is returned on HTTP 200. An empty body with a nil
// error indicates the request was skipped because the level disallows the
// only available route.
func makeServerRequest(
	ctx context.Context,
	level serverRequestLevel,
	transport Transport,
	serverEntry *ServerEntry,
	requestPath string) ([]byte, error) {

	serverCertificate, err := decodeCertificate(serverEntry.WebServerCertificate)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var dialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	if transport != nil && transport.IsConnected() {

		parentAddr := fmt.Sprintf("127.0.0.1:%d", transport.LocalProxyParentPort())
		socksDialer, err := proxy.SOCKS5("tcp", parentAddr, nil, proxy.Direct)
		if err != nil {
			return nil, errors.Trace(err)
		}
		dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if contextDialer, ok := socksDialer.(proxy.ContextDialer); ok {
				return contextDialer.DialContext(ctx, network, addr)
			}
			return socksDialer.Dial(network, addr)
		}

	} else if level == serverRequestLevelFull {

		dialer := &net.Dialer{Timeout: SERVER_REQUEST_TIMEOUT}
		dialContext = dialer.DialContext

	} else {
		// Only a tunneled route is permitted and no transport is
		// connected. Nothing to do.
		return nil, nil
	}

	httpClient := &http.Client{
		Timeout: SERVER_REQUEST_TIMEOUT,
		Transport: &http.Transport{
			DialContext:     dialContext,
			TLSClientConfig: makePinnedTLSConfig(serverCertificate),
		},
	}

	url := fmt.Sprintf(
		"https://%s%s",
		net.JoinHostPort(serverEntry.IpAddress, serverEntry.WebServerPort),
		requestPath)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, errors.Tracef("HTTP request failed with response code: %d", response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return body, nil
}

// decodeCertificate decodes a server entry's base64 DER certificate.
func decodeCertificate(encodedCertificate string) (*x509.Certificate, error) {
	derEncodedCertificate, err := base64.StdEncoding.DecodeString(encodedCertificate)
	if err != nil {
		return nil, errors.Trace(err)
	}
	certificate, err := x509.ParseCertificate(derEncodedCertificate)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return certificate, nil
}

// makePinnedTLSConfig builds a TLS config that accepts only the exact
// certificate in the server entry. Psiphon servers use self-signed
// certificates, so standard chain verification is replaced with a
// byte-for-byte comparison against the pinned certificate.
func makePinnedTLSConfig(serverCertificate *x509.Certificate) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, rawCert := range rawCerts {
				if bytes.Equal(rawCert, serverCertificate.Raw) {
					return nil
				}
			}
			return errors.TraceNew("server certificate mismatch")
		},
	}
}
