// Package content holds clients of the content addressed blob store.
package content

import (
	"github.com/ipfs/go-cid"

	logging "github.com/dstorage/go-dstor/lib/log"
	"github.com/dstorage/go-dstor/lib/types"
)

var logger = logging.Logger("content")

// CheckID rejects strings that are not content identifiers, tagging the
// error with kind.
func CheckID(kind error, op, id string) (cid.Cid, error) {
	c, err := cid.Decode(id)
	if err != nil {
		return cid.Undef, types.NewError(kind, op, err)
	}
	return c, nil
}
