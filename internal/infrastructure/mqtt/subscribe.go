package mqtt

import "fmt"

// Subscribe registers handler for a topic filter (wildcards allowed). The
// route is kept and re-subscribed after a reconnect; a failed subscribe
// is not kept.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	case !c.IsConnected():
		return ErrNotConnected
	}

	c.mu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()

	tok := c.paho.Subscribe(topic, qos, c.deliver(handler))
	var err error
	if !tok.WaitTimeout(defaultPublishTimeout) {
		err = fmt.Errorf("timeout after %v", defaultPublishTimeout)
	} else {
		err = tok.Error()
	}
	if err == nil {
		return nil
	}

	c.mu.Lock()
	delete(c.routes, topic)
	c.mu.Unlock()
	return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
}
