package rivulet

import "context"

// Processor is the per-record hook supplied by the application. It runs on
// the partition's worker goroutine with records in strict offset order, and
// performs all state access through the context's transactions.
type Processor interface {
	Process(ctx context.Context, pc *PartitionContext, rec Record) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, pc *PartitionContext, rec Record) error

func (f ProcessorFunc) Process(ctx context.Context, pc *PartitionContext, rec Record) error {
	return f(ctx, pc, rec)
}

// InitProcessor builds a processor for one newly assigned partition. It runs
// after recovery completes and before any record is processed, and is where
// typed stores, aggregators, and sweep hooks get bound to the partition.
type InitProcessor func(pc *PartitionContext) (Processor, error)
