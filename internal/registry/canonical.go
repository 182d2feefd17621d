package registry

// CanonicalBytes returns a deterministic serialization for state hashing.
func (e *Exchange) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, e.Authority[:]...)
	buf = appendUint64LE(buf, e.TotalCollateral)
	buf = appendUint64LE(buf, uint64(e.InsuranceFund))
	buf = append(buf, byte(e.TotalMarkets), byte(e.TotalMarkets>>8))
	if e.IsInitialized {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
