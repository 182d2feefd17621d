package account

import (
	"sort"
)

// CanonicalBytes returns a deterministic serialization for state hashing.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = appendUint16LE(buf, p.MarketIndex)
	buf = append(buf, byte(p.Side))
	buf = appendUint64LE(buf, p.Size)
	buf = appendUint64LE(buf, p.AvgEntryPrice)
	buf = appendUint64LE(buf, uint64(p.RealizedPnL))
	buf = appendUint64LE(buf, uint64(p.LastFundingTs))
	return buf
}

// CanonicalBytes returns a deterministic serialization for state hashing.
// Positions are included in market index order.
func (a *Account) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, a.UserID[:]...)
	buf = appendUint64LE(buf, a.Collateral)
	buf = appendUint64LE(buf, a.NextOrderID)
	buf = appendUint64LE(buf, a.CumulativeVolume)
	buf = appendUint64LE(buf, a.TotalFeePaid)
	buf = appendUint64LE(buf, a.TotalFeeRebate)

	indexes := make([]int, 0, len(a.Positions))
	for idx := range a.Positions {
		indexes = append(indexes, int(idx))
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		buf = append(buf, a.Positions[uint16(idx)].CanonicalBytes()...)
	}
	return buf
}

func appendUint16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
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
