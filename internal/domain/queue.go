package domain

import "context"

// JobHandler is invoked once per delivered stream record.
// It owns acknowledgement: a record it does not acknowledge stays pending and is redelivered.
type JobHandler func(ctx context.Context, job Job)

// JobQueue defines the contract for the durable receipt stream.
// It decouples the application from the underlying message broker (Redis, RabbitMQ, etc.).
type JobQueue interface {
	// EnsureGroup creates the consumer group if it does not exist yet.
	EnsureGroup(ctx context.Context) error

	// Publish appends a job descriptor to the stream.
	Publish(ctx context.Context, job Job) error

	// Listen delivers records to handler sequentially until ctx is done.
	Listen(ctx context.Context, handler JobHandler) error

	// Acknowledge confirms that a job has been handled.
	// This removes it from the Pending Entry list (PEL).
	Acknowledge(ctx context.Context, job Job) error

	// DeadLetter records a failed job on the dead-letter stream, when one is configured.
	DeadLetter(ctx context.Context, job Job, reason error) error
}

// ResultBus fans analysis results out to every API instance.
type ResultBus interface {
	// Broadcast publishes the analysis result to the Pub/Sub channel.
	Broadcast(ctx context.Context, result AnalysisResult) error

	// SubscribeResults returns a channel that streams results published by any process.
	SubscribeResults(ctx context.Context) (<-chan AnalysisResult, error)
}

// ProcessingFlag is the cluster-wide admission gate in front of the analysis service.
type ProcessingFlag interface {
	// Active reports the job currently holding the flag, if any.
	Active(ctx context.Context) (jobID string, held bool, err error)

	// Claim sets the flag to jobID if nobody holds it.
	Claim(ctx context.Context, jobID string) (bool, error)

	// Clear drops the flag if jobID still holds it. A flag that expired and was
	// claimed by another job is left alone.
	Clear(ctx context.Context, jobID string) error
}
