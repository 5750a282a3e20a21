package cmn

// RestorePayload is the value returned by a GET that the rendezvous server
// answers with the distinguished Restore result code (spec §4.3, §4.9).
//
// Open Question (spec §9) resolved here: we use the packed layout without a
// count prefix -- {rank_id:u16, device_info_id:u16, slice_ids:[u16]...} --
// with the slice count implied by (len(payload)-4)/2, matching the
// end-to-end scenario in spec §8 case 3. See DESIGN.md.
type RestorePayload struct {
	RankID       uint16
	DeviceInfoID uint16
	SliceIDs     []uint16
}

func (r RestorePayload) Encode() []byte {
	b := make([]byte, 0, 4+2*len(r.SliceIDs))
	b = appendU16(b, r.RankID)
	b = appendU16(b, r.DeviceInfoID)
	for _, id := range r.SliceIDs {
		b = appendU16(b, id)
	}
	return b
}

// RestoreError wraps a RestorePayload so callers can type-assert it out of
// a GET's error return (spec §4.3 item 3, §4.9 step 4: a GET on a broken
// peer's auto_ranking_key answers with Restore instead of blocking).
type RestoreError struct {
	Payload RestorePayload
}

func (e *RestoreError) Error() string {
	return newErr(KindRestore, "peer replaced: rank=%d device=%d slices=%v",
		e.Payload.RankID, e.Payload.DeviceInfoID, e.Payload.SliceIDs).Error()
}

func DecodeRestorePayload(b []byte) (RestorePayload, error) {
	if len(b) < 4 {
		return RestorePayload{}, NewErrInvalidMessage("restore payload needs >= 4 bytes, got %d", len(b))
	}
	if (len(b)-4)%2 != 0 {
		return RestorePayload{}, NewErrInvalidMessage("restore payload has odd slice-id tail")
	}
	r := RestorePayload{
		RankID:       readU16(b[0:2]),
		DeviceInfoID: readU16(b[2:4]),
	}
	n := (len(b) - 4) / 2
	r.SliceIDs = make([]uint16, n)
	for i := 0; i < n; i++ {
		r.SliceIDs[i] = readU16(b[4+2*i : 6+2*i])
	}
	return r, nil
}
