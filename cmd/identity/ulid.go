package identity

import (
	"time"

	"vouch/cmd/identity/ids"
)

func newULID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
