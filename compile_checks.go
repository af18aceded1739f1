package ingest

import (
	"github.com/goliatone/go-ingest/core"
	ingestquery "github.com/goliatone/go-ingest/query"
)

var (
	_ CommandQueryService        = (*Service)(nil)
	_ ingestquery.DeliveryReader = (*Service)(nil)
	_ core.EventProcessor        = (*ProcessorRouter)(nil)
)
