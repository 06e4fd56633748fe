package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/werrors"
)

// MaxStoredIDsPrefixLen is the longest prefix STORED_IDS_GET can carry in a
// ClientRequest's fixed 32-hex-character id field. The trailing 2 hex
// characters of that field are reserved for an explicit length marker (see
// EncodeStoredIDsPrefix), leaving 30 for the prefix itself.
const MaxStoredIDsPrefixLen = 30

// EncodeStoredIDsPrefix packs prefix (a string of lowercase hex digits, 0 to
// MaxStoredIDsPrefixLen characters) into a ClientRequest id field for
// STORED_IDS_GET. The field's own 32-hex-character shape has no room for a
// separate length field, so the convention is: the prefix occupies the
// first characters of the field, zero-padded on the right, and the last 2
// hex characters hold the prefix's true length (00-1e) — this recovers the
// exact prefix a caller intended even when its length is odd, unlike
// stripping trailing zero pairs, which cannot distinguish a prefix's own
// trailing zero nibble from padding.
func EncodeStoredIDsPrefix(prefix string) (assetid.ID, error) {
	if len(prefix) > MaxStoredIDsPrefixLen {
		return assetid.ID{}, fmt.Errorf("%w: stored-ids prefix longer than %d characters", werrors.ErrInvalidArgument, MaxStoredIDsPrefixLen)
	}
	field := prefix + strings.Repeat("0", MaxStoredIDsPrefixLen-len(prefix)) + fmt.Sprintf("%02x", len(prefix))
	return assetid.ParseCompact(field)
}

// DecodeStoredIDsPrefix recovers the prefix EncodeStoredIDsPrefix packed
// into id, per its length-marker convention.
func DecodeStoredIDsPrefix(id assetid.ID) string {
	compact := id.Compact()
	n, err := strconv.ParseUint(compact[MaxStoredIDsPrefixLen:], 16, 8)
	if err != nil || n > MaxStoredIDsPrefixLen {
		n = MaxStoredIDsPrefixLen
	}
	return compact[:n]
}
