package core

import (
	"github.com/google/uuid"

	"pkt.systems/cdpreplay/schema"
)

func newRunID() schema.RunID {
	return schema.RunID(uuid.NewString())
}
