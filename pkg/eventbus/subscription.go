package eventbus

import (
	"context"
)

// Subscription is one live topic subscription. Close stops delivery and waits for the
// in-flight callback to return.
type Subscription struct {
	Topic string

	cancel  context.CancelFunc
	release func()
	done    chan struct{}
}

func (s *Subscription) Close() error {
	s.cancel()
	<-s.done

	if s.release != nil {
		s.release()
	}

	return nil
}

// Done is closed once the subscription stopped delivering.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
