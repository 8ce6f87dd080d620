package sctp

import (
	"github.com/malbeclabs/netpoke/pkg/udpx"
)

// fragmentMessage splits one user message into DATA chunks of at most
// maxPayload user bytes each.
//
// Every fragment receives the same copy of opts: the options belong to the
// message and must reach the wire on every packet that carries any part of
// it. Mixing options inside a message is therefore impossible by
// construction, which is what lets the bundler hoist chunk options onto the
// packet.
func fragmentMessage(userData []byte, streamID, streamSeq uint16, ppid uint32, unordered bool, opts udpx.Options, maxPayload int, nextTSN func() uint32) []*dataChunk {
	if maxPayload <= 0 {
		maxPayload = 1
	}

	var chunks []*dataChunk
	for off := 0; off == 0 || off < len(userData); off += maxPayload {
		endOff := off + maxPayload
		if endOff > len(userData) {
			endOff = len(userData)
		}
		chunks = append(chunks, &dataChunk{
			tsn:       nextTSN(),
			streamID:  streamID,
			streamSeq: streamSeq,
			ppid:      ppid,
			unordered: unordered,
			beginning: off == 0,
			end:       endOff == len(userData),
			userData:  append([]byte(nil), userData[off:endOff]...),
			options:   opts,
		})
		if endOff == len(userData) {
			break
		}
	}
	return chunks
}
