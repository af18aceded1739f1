package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-ingest/core"
)

var (
	_ gocmd.Querier[ListDeadLettersMessage, []core.DeadLetterEntry] = (*ListDeadLettersQuery)(nil)
	_ gocmd.Querier[GetDeadLetterMessage, core.DeadLetterEntry]     = (*GetDeadLetterQuery)(nil)
	_ gocmd.Querier[GetBackfillJobMessage, core.BackfillJob]        = (*GetBackfillJobQuery)(nil)
	_ gocmd.Querier[GetDeliveryMessage, core.DeliveryRecord]        = (*GetDeliveryQuery)(nil)
	_ gocmd.Querier[ListDeliveriesMessage, []core.DeliveryRecord]   = (*ListDeliveriesQuery)(nil)
)
