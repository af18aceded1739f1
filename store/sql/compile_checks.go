package sqlstore

import "github.com/goliatone/go-ingest/core"

var (
	_ core.DeliveryStore          = (*DeliveryStore)(nil)
	_ core.DeadLetterStore        = (*DeadLetterStore)(nil)
	_ core.BackfillJobStore       = (*BackfillJobStore)(nil)
	_ core.DeliveryLister         = (*DeliveryStore)(nil)
	_ core.DeliveryStore          = (*CachedDeliveryStore)(nil)
	_ core.DeliveryLister         = (*CachedDeliveryStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
