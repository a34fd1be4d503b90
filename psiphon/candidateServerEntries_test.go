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
	"testing"

	"github.com/jianhuaou/psiphon-windows/psiphon/common"
)

// capabilityTransport is a Transport stub whose pre-handshake predicate is
// driven by a server entry capability, for filter tests with heterogeneous
// entries.
type capabilityTransport struct {
	mockTransport
	preHandshakeCapability string
}

func (transport *capabilityTransport) RequiresPreHandshake(serverEntry *ServerEntry) bool {
	return common.Contains(serverEntry.Capabilities, transport.preHandshakeCapability)
}

func (transport *capabilityTransport) Connect(
	_ context.Context,
	_ []*SessionInfo,
	_ *SystemProxySettings,
	_ *sync.WaitGroup) (int, error) {
	return -1, &TransportFailedError{Err: std_errors.New("not implemented")}
}

func makeFilterServerEntries(capabilities ...[]string) ServerEntries {
	serverEntries := make(ServerEntries, len(capabilities))
	for i := range capabilities {
		serverEntries[i] = ServerEntry{
			IpAddress:    "192.0.2.1",
			SshPort:      22 + i,
			Capabilities: capabilities[i],
		}
	}
	return serverEntries
}

const testSessionID = "00112233445566778899aabbccddeeff"

func TestCandidateFilterPreHandshakeTruncatesToOne(t *testing.T) {

	transport := &capabilityTransport{preHandshakeCapability: "handshake"}
	transport.multiConnectCount = 4

	serverEntries := makeFilterServerEntries(
		[]string{"handshake"},
		nil,
		[]string{"handshake"},
		nil)

	candidates, err := makeCandidateServerEntries(transport, &serverEntries, testSessionID)
	if err != nil {
		t.Fatalf("makeCandidateServerEntries failed: %s", err)
	}

	if !candidates.requirePreHandshake {
		t.Errorf("expected pre-handshake batch")
	}
	if len(serverEntries) != 1 || len(candidates.sessionInfos) != 1 {
		t.Errorf("expected a single candidate, got %d", len(serverEntries))
	}
	if serverEntries[0].SshPort != 22 {
		t.Errorf("first entry must survive truncation")
	}
}

func TestCandidateFilterDropsPreHandshakeEntries(t *testing.T) {

	transport := &capabilityTransport{preHandshakeCapability: "handshake"}
	transport.multiConnectCount = 4

	serverEntries := makeFilterServerEntries(
		nil,
		[]string{"handshake"},
		nil,
		[]string{"handshake"},
		nil)

	candidates, err := makeCandidateServerEntries(transport, &serverEntries, testSessionID)
	if err != nil {
		t.Fatalf("makeCandidateServerEntries failed: %s", err)
	}

	if candidates.requirePreHandshake {
		t.Errorf("expected handshake-free batch")
	}
	if len(serverEntries) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(serverEntries))
	}
	// Order preserved.
	expectedPorts := []int{22, 24, 26}
	for i, serverEntry := range serverEntries {
		if serverEntry.SshPort != expectedPorts[i] {
			t.Errorf("candidate order not preserved: %+v", serverEntries)
			break
		}
	}
}

func TestCandidateFilterTruncatesToMultiConnectCount(t *testing.T) {

	transport := &capabilityTransport{preHandshakeCapability: "handshake"}
	transport.multiConnectCount = 2

	serverEntries := makeFilterServerEntries(nil, nil, nil)

	candidates, err := makeCandidateServerEntries(transport, &serverEntries, testSessionID)
	if err != nil {
		t.Fatalf("makeCandidateServerEntries failed: %s", err)
	}

	if len(serverEntries) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(serverEntries))
	}
	if serverEntries[0].SshPort != 22 || serverEntries[1].SshPort != 23 {
		t.Errorf("expected the first two entries in order")
	}
	if len(candidates.sessionInfos) != 2 {
		t.Errorf("expected a session info per candidate")
	}
}

func TestCandidateFilterNoUsableEntries(t *testing.T) {

	transport := &capabilityTransport{preHandshakeCapability: "handshake"}
	transport.multiConnectCount = 2

	// Empty input.
	serverEntries := ServerEntries{}
	_, err := makeCandidateServerEntries(transport, &serverEntries, testSessionID)
	if !std_errors.Is(err, ErrNoUsableServerEntries) {
		t.Fatalf("expected ErrNoUsableServerEntries, got: %v", err)
	}

	// A transport declaring no multi-connect capacity leaves no candidates.
	transport.multiConnectCount = 0
	serverEntries = makeFilterServerEntries(nil, nil)
	_, err = makeCandidateServerEntries(transport, &serverEntries, testSessionID)
	if !std_errors.Is(err, ErrNoUsableServerEntries) {
		t.Fatalf("expected ErrNoUsableServerEntries, got: %v", err)
	}

	// A negative count from a misbehaving transport is treated as zero.
	transport.multiConnectCount = -1
	serverEntries = makeFilterServerEntries(nil, nil)
	_, err = makeCandidateServerEntries(transport, &serverEntries, testSessionID)
	if !std_errors.Is(err, ErrNoUsableServerEntries) {
		t.Fatalf("expected ErrNoUsableServerEntries, got: %v", err)
	}
}

func TestCandidateSessionInfoDerivation(t *testing.T) {

	transport := &capabilityTransport{preHandshakeCapability: "handshake"}
	transport.multiConnectCount = 2

	serverEntries := makeFilterServerEntries(nil, nil)

	candidates, err := makeCandidateServerEntries(transport, &serverEntries, testSessionID)
	if err != nil {
		t.Fatalf("makeCandidateServerEntries failed: %s", err)
	}

	for i, sessionInfo := range candidates.sessionInfos {
		if sessionInfo.ClientSessionID != testSessionID {
			t.Errorf("session info missing client session ID")
		}
		if sessionInfo.ServerEntry.SshPort != serverEntries[i].SshPort {
			t.Errorf("session info does not match its server entry")
		}
		if sessionInfo.UpstreamRateLimitBytesPerSecond != -1 ||
			sessionInfo.DownstreamRateLimitBytesPerSecond != -1 {
			t.Errorf("rate limits must initialize to -1")
		}
	}
}
