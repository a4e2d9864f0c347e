package tcp

// Wrap-aware 32-bit sequence number comparisons (RFC 793 serial
// arithmetic).

func seqLT(a, b uint32) bool { return int32(a-b) < 0 }

func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }

func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
