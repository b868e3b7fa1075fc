package protocol

// Records is a batch of TLV records. Batches go to the network as
// net.Buffers and to the store as one pebble batch.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// LastLit returns the type of the last record in the batch, 0 if empty.
func (recs Records) LastLit() byte {
	if len(recs) == 0 {
		return 0
	}
	return Lit(recs[len(recs)-1])
}

// Clone deep-copies the batch; Split reuses nothing, but network
// read buffers may.
func (recs Records) Clone() Records {
	ret := make(Records, len(recs))
	for i, r := range recs {
		ret[i] = append([]byte(nil), r...)
	}
	return ret
}
