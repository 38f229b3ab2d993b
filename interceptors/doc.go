// Package interceptors wraps worker handlers with cross-cutting behaviour.
//
// An Interceptor sees every message before the handler does and decides
// whether and how to call the next step. Interceptors run in the order they
// are added to a Chain, with the handler last:
//
//	handler := interceptors.NewChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewTimeoutInterceptor(5 * time.Second)).
//		Add(interceptors.NewRetryInterceptor(policy)).
//		Then(process)
//
//	client.AddWorker(ctx, "jobs", handler)
//
// The wrapped handler is an ordinary messaging.WorkerFunc, so the result and
// error it returns still become the RPC reply for requests.
package interceptors
