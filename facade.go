package ingest

import (
	"fmt"

	ingestcommand "github.com/goliatone/go-ingest/command"
	ingestquery "github.com/goliatone/go-ingest/query"
)

type CommandQueryService interface {
	ingestcommand.MutatingService
	ingestquery.DeadLetterReader
	ingestquery.BackfillJobReader
}

type Commands struct {
	ReplayDeadLetter  *ingestcommand.ReplayDeadLetterCommand
	RedriveDeadLetter *ingestcommand.RedriveDeadLetterCommand
	SubmitBackfill    *ingestcommand.SubmitBackfillCommand
	RunBackfill       *ingestcommand.RunBackfillCommand
	ResumeBackfill    *ingestcommand.ResumeBackfillCommand
}

type Queries struct {
	ListDeadLetters *ingestquery.ListDeadLettersQuery
	GetDeadLetter   *ingestquery.GetDeadLetterQuery
	GetBackfillJob  *ingestquery.GetBackfillJobQuery
	GetDelivery     *ingestquery.GetDeliveryQuery
	ListDeliveries  *ingestquery.ListDeliveriesQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	deliveryReader ingestquery.DeliveryReader
}

// WithDeliveryReader overrides the delivery reader, which otherwise comes
// from the service when it implements query.DeliveryReader.
func WithDeliveryReader(reader ingestquery.DeliveryReader) FacadeOption {
	return func(options *facadeOptions) {
		options.deliveryReader = reader
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("ingest: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	deliveries := cfg.deliveryReader
	if deliveries == nil {
		if reader, ok := service.(ingestquery.DeliveryReader); ok {
			deliveries = reader
		}
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		ReplayDeadLetter:  ingestcommand.NewReplayDeadLetterCommand(service),
		RedriveDeadLetter: ingestcommand.NewRedriveDeadLetterCommand(service),
		SubmitBackfill:    ingestcommand.NewSubmitBackfillCommand(service),
		RunBackfill:       ingestcommand.NewRunBackfillCommand(service),
		ResumeBackfill:    ingestcommand.NewResumeBackfillCommand(service),
	}
	facade.queries = Queries{
		ListDeadLetters: ingestquery.NewListDeadLettersQuery(service),
		GetDeadLetter:   ingestquery.NewGetDeadLetterQuery(service),
		GetBackfillJob:  ingestquery.NewGetBackfillJobQuery(service),
		GetDelivery:     ingestquery.NewGetDeliveryQuery(deliveries),
		ListDeliveries:  ingestquery.NewListDeliveriesQuery(deliveries),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}
