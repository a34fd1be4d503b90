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
	std_errors "errors"

	"github.com/jianhuaou/psiphon-windows/psiphon/common/errors"
)

// ErrNoUsableServerEntries is returned when filtering the caller-supplied
// server entry list against the transport's capabilities leaves no usable
// candidates.
var ErrNoUsableServerEntries = std_errors.New("no usable server entries")

// candidateServerEntries is a filtered candidate list, valid for one
// connection attempt with one transport. It can only be obtained from
// makeCandidateServerEntries, so holding a value means the filtering rules
// have been applied: every remaining entry agrees on requirePreHandshake,
// and the list length respects the transport's multi-connect count.
type candidateServerEntries struct {
	serverEntries       ServerEntries
	sessionInfos        []*SessionInfo
	requirePreHandshake bool
}

// makeCandidateServerEntries reduces the caller-supplied server entry list
// to the subset usable by the transport, and derives a session info for each
// surviving entry.
//
// Handshakes are done serially, so a transport that wants to multi-connect
// should not require pre-handshakes; it would undermine the point of
// multi-connect if they preceded the connection. When the transport requires
// a pre-handshake, the list is truncated to a single entry. Otherwise, every
// entry that individually requires a pre-handshake is dropped and the
// remainder is truncated to the transport's multi-connect count.
//
// The caller's list is filtered in place, preserving order; entries are
// never added and entry contents are never modified.
func makeCandidateServerEntries(
	transport Transport,
	serverEntries *ServerEntries,
	clientSessionID string) (*candidateServerEntries, error) {

	if len(*serverEntries) == 0 {
		return nil, errors.Trace(ErrNoUsableServerEntries)
	}

	requirePreHandshake := transport.RequiresPreHandshake(&(*serverEntries)[0])

	if requirePreHandshake {

		// A transport that needs a handshake before any connection data is
		// known cannot run a parallel multi-candidate attempt.
		*serverEntries = (*serverEntries)[:1]

	} else {

		// The batch mode is determined by the first entry; entries are
		// heterogeneous, so drop any that individually require a
		// pre-handshake.
		kept := (*serverEntries)[:0]
		for i := range *serverEntries {
			if !transport.RequiresPreHandshake(&(*serverEntries)[i]) {
				kept = append(kept, (*serverEntries)[i])
			}
		}

		// A misbehaving transport reporting a negative count is treated
		// as zero capacity rather than allowed to panic the slice.
		maxCount := transport.MultiConnectCount()
		if maxCount < 0 {
			maxCount = 0
		}
		if len(kept) > maxCount {
			kept = kept[:maxCount]
		}

		*serverEntries = kept
	}

	if len(*serverEntries) == 0 {
		return nil, errors.Trace(ErrNoUsableServerEntries)
	}

	sessionInfos := make([]*SessionInfo, len(*serverEntries))
	for i := range *serverEntries {
		sessionInfos[i] = new(SessionInfo)
		sessionInfos[i].Set((*serverEntries)[i], clientSessionID)
	}

	return &candidateServerEntries{
		serverEntries:       *serverEntries,
		sessionInfos:        sessionInfos,
		requirePreHandshake: requirePreHandshake,
	}, nil
}
