package session

import (
	"fmt"
	"sort"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"Roastr/internal/threshold"
	"Roastr/internal/types"
)

// compressThreshold is the content size above which records store it zstd-compressed.
const compressThreshold = 512

// codec converts sessions to and from flatbuffers records.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &codec{encoder: encoder, decoder: decoder}, nil
}

func (c *codec) close() {
	c.encoder.Close()
	c.decoder.Close()
}

// encode serializes a session. Shares and exclusions are written in ascending peer order
// so identical sessions produce identical bytes.
func (c *codec) encode(s *Session) []byte {
	builder := flatbuffers.NewBuilder(512 + len(s.Event.Content))

	content := s.Event.Content
	compressed := len(content) > compressThreshold
	if compressed {
		content = c.encoder.EncodeAll(content, nil)
	}

	shares := s.SortedShares()
	shareOffsets := make([]flatbuffers.UOffsetT, len(shares))

	for i, sh := range shares {
		sigVec := builder.CreateByteVector(sh.Signature)

		types.ShareStart(builder)
		types.ShareAddPeerId(builder, sh.PeerID)
		types.ShareAddSignature(builder, sigVec)
		types.ShareAddReceivedAt(builder, sh.ReceivedAt.UnixMilli())
		shareOffsets[i] = types.ShareEnd(builder)
	}

	exclusions := sortedExclusions(s.Exclusions)
	exclusionOffsets := make([]flatbuffers.UOffsetT, len(exclusions))

	for i, ex := range exclusions {
		reason := builder.CreateString(ex.Reason)

		types.ExclusionStart(builder)
		types.ExclusionAddPeerId(builder, ex.PeerID)
		types.ExclusionAddReason(builder, reason)
		types.ExclusionAddExcludedAt(builder, ex.ExcludedAt.UnixMilli())
		exclusionOffsets[i] = types.ExclusionEnd(builder)
	}

	sharesVec := buildOffsetVector(builder, shareOffsets, types.SessionStartSharesVector)
	exclusionsVec := buildOffsetVector(builder, exclusionOffsets, types.SessionStartExclusionsVector)

	eventVec := builder.CreateByteVector(s.Event.ID[:])
	contentVec := builder.CreateByteVector(content)
	sigVec := builder.CreateByteVector(s.Signature)
	signersVec := builder.CreateByteVector(threshold.BuildSignerBitmap(s.Signers, maxSigner(s.Signers)+1))
	receiptVec := builder.CreateByteVector(s.Receipt)
	failReason := builder.CreateString(s.FailReason)

	types.SessionStart(builder)
	types.SessionAddEventId(builder, eventVec)
	types.SessionAddCreatedAt(builder, s.Event.CreatedAt.UnixMilli())
	types.SessionAddContent(builder, contentVec)
	types.SessionAddCompressed(builder, compressed)
	types.SessionAddThreshold(builder, uint16(s.Threshold))
	types.SessionAddState(builder, s.State)
	types.SessionAddShares(builder, sharesVec)
	types.SessionAddExclusions(builder, exclusionsVec)
	types.SessionAddSignature(builder, sigVec)
	types.SessionAddSigners(builder, signersVec)
	types.SessionAddReceipt(builder, receiptVec)
	types.SessionAddFailReason(builder, failReason)
	types.SessionAddUpdatedAt(builder, s.UpdatedAt.UnixMilli())
	builder.Finish(types.SessionEnd(builder))

	return builder.FinishedBytes()
}

// decode parses a record written by encode.
func (c *codec) decode(data []byte) (s *Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupt session record: %v", r)
		}
	}()

	rec := types.GetRootAsSession(data, 0)

	content := rec.ContentBytes()
	if rec.Compressed() {
		content, err = c.decoder.DecodeAll(content, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress content:\n%w", err)
		}
	} else {
		content = cloneBytes(content)
	}

	s = &Session{
		Threshold:  int(rec.Threshold()),
		State:      rec.State(),
		Shares:     make(map[uint16]Share, rec.SharesLength()),
		Exclusions: make(map[uint16]Exclusion, rec.ExclusionsLength()),
		Signature:  cloneBytes(rec.SignatureBytes()),
		Signers:    threshold.ParseSignerBitmap(rec.SignersBytes()),
		Receipt:    cloneBytes(rec.ReceiptBytes()),
		FailReason: string(rec.FailReason()),
		UpdatedAt:  time.UnixMilli(rec.UpdatedAt()),
	}

	copy(s.Event.ID[:], rec.EventIdBytes())
	s.Event.Content = content
	s.Event.CreatedAt = time.UnixMilli(rec.CreatedAt())

	var sh types.Share
	for i := 0; i < rec.SharesLength(); i++ {
		rec.Shares(&sh, i)
		s.Shares[sh.PeerId()] = Share{
			PeerID:     sh.PeerId(),
			Signature:  cloneBytes(sh.SignatureBytes()),
			ReceivedAt: time.UnixMilli(sh.ReceivedAt()),
		}
	}

	var ex types.Exclusion
	for i := 0; i < rec.ExclusionsLength(); i++ {
		rec.Exclusions(&ex, i)
		s.Exclusions[ex.PeerId()] = Exclusion{
			PeerID:     ex.PeerId(),
			Reason:     string(ex.Reason()),
			ExcludedAt: time.UnixMilli(ex.ExcludedAt()),
		}
	}

	return s, nil
}

// buildOffsetVector writes a vector of table offsets in order.
func buildOffsetVector(builder *flatbuffers.Builder, offsets []flatbuffers.UOffsetT, start func(*flatbuffers.Builder, int) flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	start(builder, len(offsets))

	// flatbuffers vectors are built back to front
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}

	return builder.EndVector(len(offsets))
}

func sortedExclusions(m map[uint16]Exclusion) []Exclusion {
	out := make([]Exclusion, 0, len(m))
	for _, ex := range m {
		out = append(out, ex)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })

	return out
}

func maxSigner(ids []uint16) int {
	m := -1
	for _, id := range ids {
		if int(id) > m {
			m = int(id)
		}
	}
	return m
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
