package market

// CanonicalBytes returns a deterministic serialization for state hashing.
func (m *Market) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, byte(m.Index), byte(m.Index>>8))
	buf = appendUint64LE(buf, uint64(m.Commodity))
	buf = appendUint64LE(buf, m.BaseAssetReserve)
	buf = appendUint64LE(buf, m.QuoteAssetReserve)
	buf = appendUint64LE(buf, m.MarkPrice)
	buf = append(buf, m.OracleConfidence)
	buf = appendUint64LE(buf, uint64(m.LastOracleUpdate.UnixMicro()))
	buf = appendUint64LE(buf, m.LastOracleSlot)
	buf = appendUint64LE(buf, uint64(m.LastFundingRate))
	buf = appendUint64LE(buf, uint64(m.LastFundingRateTs.UnixMicro()))
	if m.IsActive {
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
