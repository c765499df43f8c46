package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// RemoteSDP is the subset of an offer's SDP body the SIP channel needs: the media
// destination address/port for the RTP socket it must send to.
type RemoteSDP struct {
	ConnAddr string
	AudioPort int
}

// ParseSDP extracts the connection address and audio media port from an SDP
// offer body.
func ParseSDP(body []byte) (RemoteSDP, error) {
	var sdp RemoteSDP
	for _, line := range strings.Split(string(body), "\r\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "c="):
			// c=IN IP4 <addr>
			fields := strings.Fields(line[2:])
			if len(fields) == 3 {
				sdp.ConnAddr = fields[2]
			}
		case strings.HasPrefix(line, "m=audio"):
			fields := strings.Fields(line[2:])
			if len(fields) >= 2 {
				port, err := strconv.Atoi(fields[1])
				if err != nil {
					return RemoteSDP{}, fmt.Errorf("sip: bad m=audio port %q: %w", fields[1], err)
				}
				sdp.AudioPort = port
			}
		}
	}
	if sdp.ConnAddr == "" || sdp.AudioPort == 0 {
		return RemoteSDP{}, fmt.Errorf("sip: sdp missing c= or m=audio")
	}
	return sdp, nil
}

// BuildAnswer renders the 200 OK answer SDP advertising PCMU, PCMA, and
// telephone-event at ptime:20, sendrecv.
func BuildAnswer(localAddr string, localPort int) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %d %d IN IP4 %s\r\n", sessionID(), sessionID(), localAddr)
	fmt.Fprintf(&b, "s=mumble-ai-assistant\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", localAddr)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP 0 8 101\r\n", localPort)
	fmt.Fprintf(&b, "a=rtpmap:0 PCMU/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:8 PCMA/8000\r\n")
	fmt.Fprintf(&b, "a=rtpmap:101 telephone-event/8000\r\n")
	fmt.Fprintf(&b, "a=fmtp:101 0-16\r\n")
	fmt.Fprintf(&b, "a=ptime:20\r\n")
	fmt.Fprintf(&b, "a=sendrecv\r\n")
	return []byte(b.String())
}

// sessionID is a fixed placeholder o= line identifier; real uniqueness
// doesn't matter here since we never re-offer within a dialog.
func sessionID() int64 { return 1 }
