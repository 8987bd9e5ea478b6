package threshold

// BuildSignerBitmap creates a bitmap with bit p set for every peer id p in ids.
func BuildSignerBitmap(ids []uint16, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, id := range ids {
		idx := int(id)
		if idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// ParseSignerBitmap extracts the peer ids from a bitmap, ascending.
func ParseSignerBitmap(bitmap []byte) []uint16 {
	var ids []uint16

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				ids = append(ids, uint16(byteIdx*8+bit))
			}
		}
	}

	return ids
}
