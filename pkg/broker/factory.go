package broker

import (
	"fmt"

	"github.com/ajsinha/dgfacade/pkg/config"
)

// NewPublisher constructs and initializes a publisher for a broker type.
// CONFLUENT_KAFKA is the Kafka adapter behind a config translation step.
func NewPublisher(t config.BrokerType, cfg map[string]any) (Publisher, error) {
	var p Publisher
	switch t {
	case config.BrokerKafka:
		p = NewKafkaPublisher()
	case config.BrokerConfluentKafka:
		p = NewKafkaPublisher()
		cfg = PrepareConfluentConfig(cfg)
	case config.BrokerActiveMQ:
		p = NewActiveMQPublisher()
	case config.BrokerRabbitMQ:
		p = NewRabbitMQPublisher()
	case config.BrokerIBMMQ:
		p = NewIBMMQPublisher()
	case config.BrokerFilesystem:
		p = NewFilesystemPublisher()
	case config.BrokerSQL:
		p = NewSQLPublisher()
	default:
		return nil, fmt.Errorf("unsupported broker type %q", t)
	}

	if err := p.Initialize(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// NewSubscriber constructs and initializes a subscriber for a broker type.
func NewSubscriber(t config.BrokerType, cfg map[string]any) (Subscriber, error) {
	var s Subscriber
	switch t {
	case config.BrokerKafka:
		s = NewKafkaSubscriber()
	case config.BrokerConfluentKafka:
		s = NewKafkaSubscriber()
		cfg = PrepareConfluentConfig(cfg)
	case config.BrokerActiveMQ:
		s = NewActiveMQSubscriber()
	case config.BrokerRabbitMQ:
		s = NewRabbitMQSubscriber()
	case config.BrokerIBMMQ:
		s = NewIBMMQSubscriber()
	case config.BrokerFilesystem:
		s = NewFilesystemSubscriber()
	case config.BrokerSQL:
		s = NewSQLSubscriber()
	default:
		return nil, fmt.Errorf("unsupported broker type %q", t)
	}

	if err := s.Initialize(cfg); err != nil {
		return nil, err
	}
	return s, nil
}
