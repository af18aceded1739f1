package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingest/backfill"
	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/deadletter"
	"github.com/goliatone/go-ingest/idempotency"
	"github.com/goliatone/go-ingest/signature"
	"github.com/goliatone/go-ingest/webhooks"
	glog "github.com/goliatone/go-logger/glog"
)

type Config = core.Config

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Service wires the ingestion components over one set of durable stores.
type Service struct {
	config            Config
	logger            core.Logger
	loggerProvider    core.LoggerProvider
	metricsRecorder   core.MetricsRecorder
	persistenceClient any
	repositoryFactory any

	deliveryStore    core.DeliveryStore
	deadLetterStore  core.DeadLetterStore
	backfillJobStore core.BackfillJobStore

	verifier    signature.Verifier
	tracker     *idempotency.Tracker
	deadLetters *deadletter.Queue
	pipeline    *webhooks.Pipeline
	backfill    *backfill.Engine
	enqueuer    core.JobEnqueuer
}

type ServiceDependencies struct {
	Logger            core.Logger
	LoggerProvider    core.LoggerProvider
	MetricsRecorder   core.MetricsRecorder
	PersistenceClient any
	RepositoryFactory any
	DeliveryStore     core.DeliveryStore
	DeadLetterStore   core.DeadLetterStore
	BackfillJobStore  core.BackfillJobStore
	JobEnqueuer       core.JobEnqueuer
}

type Option func(*serviceBuilder)

type serviceBuilder struct {
	runtimeConfig     Config
	logger            core.Logger
	loggerProvider    core.LoggerProvider
	metricsRecorder   core.MetricsRecorder
	persistenceClient any
	repositoryFactory any
	configProvider    core.ConfigProvider
	optionsResolver   core.OptionsResolver
	deliveryStore     core.DeliveryStore
	deadLetterStore   core.DeadLetterStore
	backfillJobStore  core.BackfillJobStore
	processor         core.EventProcessor
	rowMapper         backfill.RowMapper
	resolver          backfill.ReferenceResolver
	persister         backfill.RecordPersister
	reports           backfill.ReportWriter
	enqueuer          core.JobEnqueuer
}

func WithLogger(logger core.Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

// WithRepositoryFactory accepts a core.RepositoryStoreFactory or a
// core.StoreProvider. Stores set explicitly take precedence.
func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithDeliveryStore(store core.DeliveryStore) Option {
	return func(b *serviceBuilder) {
		b.deliveryStore = store
	}
}

func WithDeadLetterStore(store core.DeadLetterStore) Option {
	return func(b *serviceBuilder) {
		b.deadLetterStore = store
	}
}

func WithBackfillJobStore(store core.BackfillJobStore) Option {
	return func(b *serviceBuilder) {
		b.backfillJobStore = store
	}
}

func WithEventProcessor(processor core.EventProcessor) Option {
	return func(b *serviceBuilder) {
		b.processor = processor
	}
}

func WithRowMapper(mapper backfill.RowMapper) Option {
	return func(b *serviceBuilder) {
		b.rowMapper = mapper
	}
}

func WithReferenceResolver(resolver backfill.ReferenceResolver) Option {
	return func(b *serviceBuilder) {
		b.resolver = resolver
	}
}

func WithRecordPersister(persister backfill.RecordPersister) Option {
	return func(b *serviceBuilder) {
		b.persister = persister
	}
}

func WithReportWriter(writer backfill.ReportWriter) Option {
	return func(b *serviceBuilder) {
		b.reports = writer
	}
}

func WithJobEnqueuer(enqueuer core.JobEnqueuer) Option {
	return func(b *serviceBuilder) {
		b.enqueuer = enqueuer
	}
}

// NewService resolves configuration and composes the webhook pipeline and
// the backfill engine. cfg is applied as the runtime override layer.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := serviceBuilder{runtimeConfig: cfg}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("ingest", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("ingest"); named != nil {
			logger = glog.Ensure(named)
		}
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = core.NopMetricsRecorder{}
	}

	finalConfig, err := core.ResolveConfig(
		context.Background(),
		builder.configProvider,
		builder.optionsResolver,
		builder.runtimeConfig,
	)
	if err != nil {
		return nil, buildError(err)
	}

	if err := builder.resolveStores(); err != nil {
		return nil, buildError(err)
	}
	if builder.deliveryStore == nil {
		return nil, buildError(fmt.Errorf("ingest: delivery store is required"))
	}
	if builder.deadLetterStore == nil {
		return nil, buildError(fmt.Errorf("ingest: dead letter store is required"))
	}
	if builder.backfillJobStore == nil {
		return nil, buildError(fmt.Errorf("ingest: backfill job store is required"))
	}
	if builder.processor == nil {
		return nil, buildError(fmt.Errorf("ingest: event processor is required"))
	}

	observer := func(name string) core.Observer {
		return core.NewObserver(name, provider, logger, builder.metricsRecorder)
	}

	verifier := signature.NewVerifier(finalConfig.Signature)

	tracker := idempotency.NewTracker(builder.deliveryStore, finalConfig.Delivery)
	tracker.Observer = observer("ingest.idempotency")

	deadLetters := deadletter.NewQueue(builder.deadLetterStore, finalConfig.DeadLetter)
	deadLetters.Observer = observer("ingest.deadletter")

	pipeline := webhooks.NewPipeline(verifier, tracker, deadLetters, builder.processor)
	pipeline.MaxRetries = finalConfig.Delivery.MaxRetries
	pipeline.EventTypeHeader = finalConfig.Delivery.EventTypeHeader
	pipeline.Observer = observer("ingest.webhooks")

	mapper := builder.rowMapper
	if mapper == nil {
		mapper = backfill.ColumnMapper{}
	}
	engine := backfill.NewEngine(
		builder.backfillJobStore,
		mapper,
		backfill.ProcessorEmitter(pipeline),
		finalConfig.Backfill,
	)
	engine.Resolver = builder.resolver
	engine.Persister = builder.persister
	if builder.reports != nil {
		engine.Reports = builder.reports
	}
	engine.Observer = observer("ingest.backfill")

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		deliveryStore:     builder.deliveryStore,
		deadLetterStore:   builder.deadLetterStore,
		backfillJobStore:  builder.backfillJobStore,
		verifier:          verifier,
		tracker:           tracker,
		deadLetters:       deadLetters,
		pipeline:          pipeline,
		backfill:          engine,
		enqueuer:          builder.enqueuer,
	}, nil
}

// Setup builds a Service with the default configuration as the runtime
// layer when cfg is the zero value.
func Setup(cfg Config, opts ...Option) (*Service, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = DefaultConfig().ServiceName
	}
	return NewService(cfg, opts...)
}

func (b *serviceBuilder) resolveStores() error {
	if b.repositoryFactory == nil {
		return nil
	}
	if b.deliveryStore != nil && b.deadLetterStore != nil && b.backfillJobStore != nil {
		return nil
	}
	var stores core.StoreProvider
	switch factory := b.repositoryFactory.(type) {
	case core.RepositoryStoreFactory:
		provider, err := factory.BuildStores(b.persistenceClient)
		if err != nil {
			return err
		}
		stores = provider
	case core.StoreProvider:
		stores = factory
	default:
		return fmt.Errorf("ingest: unsupported repository factory %T", b.repositoryFactory)
	}
	if stores == nil {
		return nil
	}
	if b.deliveryStore == nil {
		b.deliveryStore = stores.DeliveryStore()
	}
	if b.deadLetterStore == nil {
		b.deadLetterStore = stores.DeadLetterStore()
	}
	if b.backfillJobStore == nil {
		b.backfillJobStore = stores.BackfillJobStore()
	}
	return nil
}

func buildError(err error) error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich
	}
	return core.WrapError(err, goerrors.CategoryBadInput, err.Error(), core.ErrorBadInput, nil)
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Logger() core.Logger {
	if s == nil {
		return glog.Nop()
	}
	return glog.Ensure(s.logger)
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		PersistenceClient: s.persistenceClient,
		RepositoryFactory: s.repositoryFactory,
		DeliveryStore:     s.deliveryStore,
		DeadLetterStore:   s.deadLetterStore,
		BackfillJobStore:  s.backfillJobStore,
		JobEnqueuer:       s.enqueuer,
	}
}

func (s *Service) Verifier() signature.Verifier {
	if s == nil {
		return signature.Verifier{}
	}
	return s.verifier
}

func (s *Service) Tracker() *idempotency.Tracker {
	if s == nil {
		return nil
	}
	return s.tracker
}

func (s *Service) DeadLetters() *deadletter.Queue {
	if s == nil {
		return nil
	}
	return s.deadLetters
}

func (s *Service) Pipeline() *webhooks.Pipeline {
	if s == nil {
		return nil
	}
	return s.pipeline
}

func (s *Service) Backfill() *backfill.Engine {
	if s == nil {
		return nil
	}
	return s.backfill
}

// WebhookHandler serves POST deliveries. provider resolves the provider
// name from the request and may be nil.
func (s *Service) WebhookHandler(provider func(*http.Request) string) http.Handler {
	handler := webhooks.NewHTTPHandler(s.Pipeline())
	handler.Provider = provider
	return handler
}

// NewBackfillWorker returns a worker that runs queued backfill jobs with
// this service's engine.
func (s *Service) NewBackfillWorker(dequeuer core.JobDequeuer, opener backfill.SourceOpener) *backfill.Worker {
	worker := backfill.NewWorker(s.Backfill(), dequeuer, opener)
	worker.Observer = core.NewObserver("ingest.backfill.worker", s.loggerProvider, s.logger, s.metricsRecorder)
	return worker
}

func (s *Service) HandleWebhook(ctx context.Context, req webhooks.Request) (webhooks.Response, error) {
	if s == nil || s.pipeline == nil {
		return webhooks.Response{}, serviceDependencyError("ingest: webhook pipeline is not configured")
	}
	return s.pipeline.Handle(ctx, req)
}

func (s *Service) GetDelivery(ctx context.Context, deliveryID string) (core.DeliveryRecord, error) {
	if s == nil || s.tracker == nil {
		return core.DeliveryRecord{}, serviceDependencyError("ingest: delivery tracker is not configured")
	}
	record, err := s.tracker.Get(ctx, deliveryID)
	return record, mapError(err)
}

func (s *Service) ListDeliveries(ctx context.Context, status core.DeliveryStatus, limit int) ([]core.DeliveryRecord, error) {
	if s == nil {
		return nil, serviceDependencyError("ingest: service is nil")
	}
	lister, ok := s.deliveryStore.(core.DeliveryLister)
	if !ok {
		return nil, serviceDependencyError("ingest: delivery store does not support listing")
	}
	records, err := lister.List(ctx, status, limit)
	return records, mapError(err)
}

func (s *Service) ListDeadLetters(ctx context.Context, limit int) ([]core.DeadLetterEntry, error) {
	if s == nil || s.deadLetters == nil {
		return nil, serviceDependencyError("ingest: dead letter queue is not configured")
	}
	entries, err := s.deadLetters.List(ctx, limit)
	return entries, mapError(err)
}

func (s *Service) GetDeadLetter(ctx context.Context, deliveryID string) (core.DeadLetterEntry, error) {
	if s == nil || s.deadLetters == nil {
		return core.DeadLetterEntry{}, serviceDependencyError("ingest: dead letter queue is not configured")
	}
	entry, err := s.deadLetters.Get(ctx, deliveryID)
	return entry, mapError(err)
}

// ReplayDeadLetter makes a parked delivery processable again and returns
// its payload so the caller can resubmit it.
func (s *Service) ReplayDeadLetter(ctx context.Context, deliveryID string) ([]byte, error) {
	if s == nil || s.deadLetters == nil {
		return nil, serviceDependencyError("ingest: dead letter queue is not configured")
	}
	payload, err := s.deadLetters.Replay(ctx, deliveryID)
	return payload, mapError(err)
}

// RedriveDeadLetter replays a parked delivery and pushes it back through
// the webhook pipeline.
func (s *Service) RedriveDeadLetter(ctx context.Context, deliveryID string) error {
	if s == nil || s.deadLetters == nil || s.pipeline == nil {
		return serviceDependencyError("ingest: dead letter queue is not configured")
	}
	return mapError(s.deadLetters.Redrive(ctx, deliveryID, s.pipeline))
}

func (s *Service) SubmitBackfill(ctx context.Context, in backfill.SubmitInput) (core.BackfillJob, error) {
	if s == nil || s.backfill == nil {
		return core.BackfillJob{}, serviceDependencyError("ingest: backfill engine is not configured")
	}
	job, err := s.backfill.Submit(ctx, in)
	return job, mapError(err)
}

func (s *Service) GetBackfillJob(ctx context.Context, jobID string) (core.BackfillJob, error) {
	if s == nil || s.backfill == nil {
		return core.BackfillJob{}, serviceDependencyError("ingest: backfill engine is not configured")
	}
	job, err := s.backfill.Get(ctx, jobID)
	return job, mapError(err)
}

func (s *Service) RunBackfill(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error) {
	if s == nil || s.backfill == nil {
		return core.BackfillJob{}, serviceDependencyError("ingest: backfill engine is not configured")
	}
	job, err := s.backfill.Run(ctx, jobID, source)
	return job, mapError(err)
}

func (s *Service) ResumeBackfill(ctx context.Context, jobID string, source io.Reader) (core.BackfillJob, error) {
	if s == nil || s.backfill == nil {
		return core.BackfillJob{}, serviceDependencyError("ingest: backfill engine is not configured")
	}
	job, err := s.backfill.Resume(ctx, jobID, source)
	return job, mapError(err)
}

// EnqueueBackfill hands a job to the configured queue so a backfill worker
// runs or resumes it.
func (s *Service) EnqueueBackfill(ctx context.Context, jobID string) error {
	if s == nil || s.enqueuer == nil {
		return serviceDependencyError("ingest: job enqueuer is not configured")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return core.NewError("ingest: backfill job id is required", goerrors.CategoryBadInput, core.ErrorBadInput, nil)
	}
	job, err := s.GetBackfillJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == core.BackfillJobStatusCompleted {
		return mapError(core.ErrJobCompleted)
	}
	return mapError(s.enqueuer.Enqueue(ctx, backfill.NewRunMessage(jobID)))
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	return core.MapError(err)
}

func serviceDependencyError(message string) error {
	return core.NewError(message, goerrors.CategoryInternal, core.ErrorInternal, nil)
}
