package system

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/eraif/commbus"
)

// registerBusHandlers answers case status and health queries on the bus.
func (s *System) registerBusHandlers() error {
	handlers := map[string]commbus.HandlerFunc{
		"GetCaseStatus": func(_ context.Context, msg commbus.Message) (any, error) {
			q, ok := msg.(*commbus.GetCaseStatus)
			if !ok {
				return nil, fmt.Errorf("unexpected message %T", msg)
			}
			summary, found := s.GetCase(q.SessionID)
			if !found {
				return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, q.SessionID)
			}
			return summary, nil
		},
		"HealthCheckRequest": func(_ context.Context, _ commbus.Message) (any, error) {
			return s.Health(), nil
		},
	}
	for msgType, h := range handlers {
		if err := s.bus.RegisterHandler(msgType, h); err != nil {
			return fmt.Errorf("register %s handler: %w", msgType, err)
		}
	}
	return nil
}
