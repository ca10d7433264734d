// Package addrpool draws a uniformly random usable host address from an
// operator-configured CIDR prefix, for binding outbound connections to a
// randomized apparent source address.
package addrpool

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"math/rand"
	"net/netip"
)

// Sample draws a random host address in prefix. IPv4 prefixes with length
// <= 30 exclude the network and broadcast addresses; /31 and /32 IPv4
// prefixes and all IPv6 prefixes have no exclusion.
func Sample(prefix netip.Prefix) (netip.Addr, error) {
	if !prefix.IsValid() {
		return netip.Addr{}, fmt.Errorf("addrpool: invalid prefix")
	}
	addr := prefix.Addr()
	width := addr.BitLen()
	bits := prefix.Bits()
	h := width - bits
	if h == 0 {
		// /32 or /128: exactly one address, the prefix itself.
		return addr, nil
	}

	span := new(big.Int).Lsh(big.NewInt(1), uint(h))
	lo := big.NewInt(0)
	hi := new(big.Int).Set(span) // exclusive upper bound

	if addr.Is4() && bits <= 30 {
		lo = big.NewInt(1)
		hi = new(big.Int).Sub(span, big.NewInt(1))
	}

	r, err := randomInRange(lo, hi)
	if err != nil {
		return netip.Addr{}, err
	}

	return applyHostBits(addr, bits, r)
}

// randomInRange returns a uniformly distributed integer in [lo, hi) using a
// task-local generator seeded from the OS CSPRNG.
func randomInRange(lo, hi *big.Int) (*big.Int, error) {
	span := new(big.Int).Sub(hi, lo)
	if span.Sign() <= 0 {
		return nil, fmt.Errorf("addrpool: empty host range")
	}

	var seedBytes [8]byte
	if _, err := cryptorand.Read(seedBytes[:]); err != nil {
		return nil, fmt.Errorf("addrpool: seeding RNG: %w", err)
	}
	src := rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seedBytes[:])))) //nolint:gosec // source-address diversity, not a security boundary

	if span.IsInt64() && span.Int64() <= (1<<62) {
		n := src.Int63n(span.Int64())
		return new(big.Int).Add(lo, big.NewInt(n)), nil
	}

	// span exceeds what Int63n can take directly (wide IPv6 prefixes):
	// draw uniform bytes and reduce modulo span, rejecting the biased tail.
	byteLen := (span.BitLen() + 7) / 8
	if byteLen == 0 {
		byteLen = 1
	}
	buf := make([]byte, byteLen)
	limit := new(big.Int).Lsh(big.NewInt(1), uint(byteLen*8))
	reject := new(big.Int).Mod(limit, span)
	reject = new(big.Int).Sub(limit, reject)
	for {
		src.Read(buf) //nolint:errcheck // math/rand.Rand.Read never errors
		n := new(big.Int).SetBytes(buf)
		if n.Cmp(reject) < 0 {
			return new(big.Int).Add(lo, new(big.Int).Mod(n, span)), nil
		}
	}
}

// applyHostBits overlays the low (width-bits) bits of r onto addr's network
// portion, producing network_bits | r.
func applyHostBits(addr netip.Addr, bits int, r *big.Int) (netip.Addr, error) {
	raw := addr.AsSlice()
	width := len(raw) * 8
	h := width - bits

	hostBytes := r.Bytes()
	// Left-pad hostBytes to len(raw), then mask to the low h bits and OR
	// into the network portion. netip.Prefix.Addr() is not guaranteed to
	// have zero host bits, so the network portion is masked explicitly.
	masked := make([]byte, len(raw))
	copy(masked[len(masked)-len(hostBytes):], hostBytes)

	// Zero any bits above h within masked (defensive: r is always < 2^h by
	// construction, this only guards future callers).
	clearAboveBit(masked, h)

	out := make([]byte, len(raw))
	networkBits := width - h
	for i := range out {
		bitOffset := i * 8
		if bitOffset+8 <= networkBits {
			out[i] = raw[i]
		} else if bitOffset >= networkBits {
			out[i] = masked[i]
		} else {
			keep := networkBits - bitOffset
			mask := byte(0xFF << (8 - keep))
			out[i] = (raw[i] & mask) | (masked[i] &^ mask)
		}
	}

	a, ok := netip.AddrFromSlice(out)
	if !ok {
		return netip.Addr{}, fmt.Errorf("addrpool: failed to build address")
	}
	if addr.Is4() {
		a = a.Unmap()
	}
	if addr.Zone() != "" {
		a = a.WithZone(addr.Zone())
	}
	return a, nil
}

func clearAboveBit(b []byte, keepLowBits int) {
	total := len(b) * 8
	clearBits := total - keepLowBits
	for i := 0; i < clearBits; i++ {
		byteIdx := i / 8
		bitInByte := 7 - (i % 8)
		b[byteIdx] &^= 1 << bitInByte
	}
}
