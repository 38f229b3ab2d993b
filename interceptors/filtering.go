package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-lite/messaging"
)

// ErrFiltered is returned by a FilteringInterceptor using SkipWithError
var ErrFiltered = errors.New("interceptors: message filtered")

// MessageFilter decides whether a message reaches the handler
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *messaging.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently drops the message with a nil result
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the message with ErrFiltered
	SkipWithError
	// SkipWithLog drops the message and logs it at info level
	SkipWithLog
)

// FilteringInterceptor stops messages rejected by its filter
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       slog.Default(),
	}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	i.logger = logger
	return i
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.WorkerFunc) (interface{}, error) {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("filter error: %w", err)
	}
	if shouldProcess {
		return next(ctx, msg)
	}

	switch i.skipBehavior {
	case SkipWithError:
		return nil, fmt.Errorf("%w: queue=%s", ErrFiltered, msg.Destination)
	case SkipWithLog:
		i.logger.Info("message filtered",
			"queue", msg.Destination,
			"correlationId", msg.CorrelationID)
	}
	return nil, nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter passes a message only when every filter does
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates an AND filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter passes a message when at least one filter does
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates an OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// RequestFilter passes RPC requests, which carry a reply address
func RequestFilter() MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg *messaging.Message) (bool, error) {
		return msg.ReplyTo != "", nil
	})
}

// PackedFilter passes values that arrived in a packed batch
func PackedFilter() MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg *messaging.Message) (bool, error) {
		return msg.Packed, nil
	})
}

// ConditionalInterceptor runs interceptor only for messages passing condition
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.WorkerFunc) (interface{}, error) {
	ok, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return nil, err
	}
	if ok {
		return i.interceptor.Intercept(ctx, msg, next)
	}
	return next(ctx, msg)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
