package tracing

import "hash/fnv"

// ShouldTrace decides whether a session gets execution tracing. The
// decision is made once per session and must be stable across restarts,
// so it hashes the session token instead of rolling dice: the same
// token always lands in the same sample bucket.
//
// trace_enabled=false switches tracing off outright. A sample rate of
// 100 or more traces every session, zero or less traces none.
func ShouldTrace(traceEnabled bool, sampleRate int, sessionToken string) bool {
	if !traceEnabled {
		return false
	}
	if sampleRate >= 100 {
		return true
	}
	if sampleRate <= 0 {
		return false
	}
	return int(hashToken(sessionToken)%100) < sampleRate
}

func hashToken(token string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(token))
	return h.Sum64()
}
