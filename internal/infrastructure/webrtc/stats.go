package webrtc

import (
	"github.com/pion/webrtc/v4"
)

type remoteStats struct {
	rtt         float64
	jitter      float64
	packetsLost int64
}

// extractStats pulls the transport level values the track reader cannot see:
// round trip time of the nominated candidate pair and the inbound video
// jitter and loss as reported by the stats interceptor.
func extractStats(report webrtc.StatsReport) (remoteStats, bool) {
	var out remoteStats
	found := false

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				out.rtt = st.CurrentRoundTripTime
				found = true
			}
		case webrtc.InboundRTPStreamStats:
			if st.Kind != "video" {
				continue
			}
			out.jitter = st.Jitter
			out.packetsLost = int64(st.PacketsLost)
			found = true
		}
	}
	return out, found
}
