// Package messaging implements the messaging patterns on top of a single
// shared broker channel:
//   - Pusher: one-way messages to worker queues, optionally packed into batches
//   - PackQueue and PackQueueManager: per-destination micro-batching
//   - RequestReplyClient: RPC calls correlated by id over per-destination reply queues
//   - WorkerRegistry: consumers for worker queues that answer RPC requests
//   - Topics: fanout publish/subscribe
//   - QueueCache: declares each queue once per channel generation
//
// Every component asks a ChannelProvider for the channel on each operation
// and never keeps it. When the channel is replaced its Generation changes,
// which invalidates cached declarations and makes reply listeners, workers and
// subscriptions set themselves up again.
//
// Example usage:
//
//	cache := messaging.NewQueueCache()
//	workers := messaging.NewWorkerRegistry(provider, cache)
//	err := workers.AddWorker(ctx, "sum", func(ctx context.Context, msg *messaging.Message) (interface{}, error) {
//		var nums []float64
//		if err := msg.Decode(&nums); err != nil {
//			return nil, err
//		}
//		return nums[0] + nums[1], nil
//	})
//
//	rpc := messaging.NewRequestReplyClient(provider, cache)
//	reply, err := rpc.Call(ctx, "sum", []float64{1, 2}, messaging.WithTTL(time.Second))
package messaging
