package wire

// Shuffle is the fixed integer hash used throughout LAN-address derivation.
// Multiplications wrap modulo 2^32, matching Go's default uint32 overflow.
func Shuffle(v uint32) uint32 {
	v = (v>>16 ^ v) * 0x45d9f3
	v = (v>>16 ^ v) * 0x45d9f3
	v = v >> 16 ^ v
	return v
}
