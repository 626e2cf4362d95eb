package billing

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/CreditFox/app/models"
)

// Dispatcher routes a parsed envelope to the matching state machine handler.
type Dispatcher struct {
	svc *Service
}

func NewDispatcher(svc *Service) *Dispatcher {
	return &Dispatcher{svc: svc}
}

// Dispatch parses the event object and invokes the handler for its type.
// Unknown event types return ErrUnhandledEventType so the ingress can
// acknowledge without side effects.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) (*DomainResult, error) {
	switch env.EventType {
	case EventCheckoutCompleted:
		obj, err := ParseCheckoutObject(env.Object)
		if err != nil {
			return nil, err
		}
		return d.svc.HandleCheckoutCompleted(ctx, env.EventID, obj)
	case EventSubscriptionCreated:
		obj, err := ParseSubscriptionObject(env.EventType, env.Object)
		if err != nil {
			return nil, err
		}
		return d.svc.HandleSubscriptionCreated(ctx, obj)
	case EventSubscriptionUpdated:
		obj, err := ParseSubscriptionObject(env.EventType, env.Object)
		if err != nil {
			return nil, err
		}
		return d.svc.HandleSubscriptionUpdated(ctx, obj)
	case EventTrialWillEnd:
		obj, err := ParseSubscriptionObject(env.EventType, env.Object)
		if err != nil {
			return nil, err
		}
		return d.svc.HandleTrialWillEnd(ctx, obj)
	case EventTrialEnded:
		obj, err := ParseSubscriptionObject(env.EventType, env.Object)
		if err != nil {
			return nil, err
		}
		return d.svc.HandleTrialEnded(ctx, obj)
	case EventSubscriptionDeleted:
		obj, err := ParseSubscriptionObject(env.EventType, env.Object)
		if err != nil {
			return nil, err
		}
		return d.svc.HandleSubscriptionEnded(ctx, obj, models.SubscriptionStatusCanceled)
	case EventSubscriptionExpired:
		obj, err := ParseSubscriptionObject(env.EventType, env.Object)
		if err != nil {
			return nil, err
		}
		return d.svc.HandleSubscriptionEnded(ctx, obj, models.SubscriptionStatusExpired)
	case EventPaymentSucceeded:
		obj, err := ParseSubscriptionObject(env.EventType, env.Object)
		if err != nil {
			return nil, err
		}
		return d.svc.HandlePaymentSucceeded(ctx, env.EventID, obj)
	case EventPaymentFailed:
		obj, err := ParseSubscriptionObject(env.EventType, env.Object)
		if err != nil {
			return nil, err
		}
		return d.svc.HandlePaymentFailed(ctx, obj)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEventType, env.EventType)
	}
}
